// Copyright 2024-2026 Aiku AI

package bridge

// emojiToReaction converts a Unicode emoji to a Mattermost emoji name.
func emojiToReaction(emoji string) string {
	reverseMap := map[string]string{
		"\U0001f44d":   "+1",
		"\U0001f44e":   "-1",
		"❤️": "heart",
		"\U0001f604":   "smile",
		"\U0001f606":   "laughing",
		"\U0001f44b":   "wave",
		"\U0001f44f":   "clap",
		"\U0001f525":   "fire",
		"\U0001f4af":   "100",
		"\U0001f389":   "tada",
		"\U0001f440":   "eyes",
		"\U0001f914":   "thinking",
		"✅":       "white_check_mark",
		"❌":       "x",
		"⚠️": "warning",
		"\U0001f680":   "rocket",
		"⭐":       "star",
		"\U0001f64f":   "pray",
	}

	if name, ok := reverseMap[emoji]; ok {
		return name
	}

	// Strip colons for custom emoji names.
	if len(emoji) > 2 && emoji[0] == ':' && emoji[len(emoji)-1] == ':' {
		return emoji[1 : len(emoji)-1]
	}

	return emoji
}
