package session

// Key prefixes are shared with existing deployments and must stay bit-exact.
const (
	MetaKeyPrefix      = "crawler_session_meta_"
	URLsKeyPrefix      = "crawler_session_urls_"
	ContentKeyPrefix   = "crawler_session_content_"
	TagsUsageKeyPrefix = "crawler_session_tags_usage_"
	HeartbeatKeyPrefix = "crawler_session_heartbeat_"

	// PostponedKey is the store-wide set of postponed session ids.
	PostponedKey = "crawler_postponed_sessions"

	// ChannelPrefix prefixes the per-session pub/sub channel.
	ChannelPrefix = "stats_channel_"
	// ChannelMask subscribes to every session's events.
	ChannelMask = ChannelPrefix + "*"

	// StatusChangeEvent is published on the channel after SetStatus.
	StatusChangeEvent = "status_change"

	// keepoutTagPrefix marks the suppressed counter of a tag in tags_usage.
	keepoutTagPrefix = "n/"
)

// MetaKey returns the metadata hash key for id.
func MetaKey(id string) string { return MetaKeyPrefix + id }

// URLsKey returns the URL ownership hash key for id.
func URLsKey(id string) string { return URLsKeyPrefix + id }

// ContentKey returns the content producer hash key for id.
func ContentKey(id string) string { return ContentKeyPrefix + id }

// TagsUsageKey returns the tag usage hash key for id.
func TagsUsageKey(id string) string { return TagsUsageKeyPrefix + id }

// HeartbeatKey returns the worker heartbeat hash key for id.
func HeartbeatKey(id string) string { return HeartbeatKeyPrefix + id }

// Channel returns the pub/sub channel carrying id's events.
func Channel(id string) string { return ChannelPrefix + id }

// IDFromChannel extracts the session id from a stats channel name.
func IDFromChannel(channel string) (string, bool) {
	if len(channel) <= len(ChannelPrefix) || channel[:len(ChannelPrefix)] != ChannelPrefix {
		return "", false
	}
	return channel[len(ChannelPrefix):], true
}

// sessionKeys lists every per-session key, in removal order.
func sessionKeys(id string) []string {
	return []string{
		MetaKey(id),
		URLsKey(id),
		ContentKey(id),
		TagsUsageKey(id),
		HeartbeatKey(id),
	}
}

func keepoutTag(tagID string) string { return keepoutTagPrefix + tagID }
