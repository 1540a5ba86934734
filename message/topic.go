package message

import "strings"

// Topic syntax: levels separated by "/", "+" matches exactly one level,
// "#" matches any trailing suffix and is only meaningful as the last
// level of a pattern.
const (
	TopicSeparator           = "/"
	TopicWildcard            = "#"
	TopicSingleLevelWildcard = "+"
)

// TopicMatches reports whether an inbound topic matches a pattern.
func TopicMatches(pattern string, topic string) bool {
	if pattern == TopicWildcard || pattern == topic {
		return true
	}

	patternLevels := strings.Split(pattern, TopicSeparator)
	topicLevels := strings.Split(topic, TopicSeparator)

	for i, level := range patternLevels {
		if level == TopicWildcard {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != TopicSingleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(topicLevels)
}

// MatchesAny reports whether the topic matches at least one of the
// patterns. The first matching pattern wins.
func MatchesAny(patterns []string, topic string) bool {
	for _, pattern := range patterns {
		if TopicMatches(pattern, topic) {
			return true
		}
	}
	return false
}

// BuildTopic joins topic parts with the level separator, skipping empty
// parts so an unset base prefix does not produce a leading separator.
func BuildTopic(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, TopicSeparator)
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, TopicSeparator)
}
