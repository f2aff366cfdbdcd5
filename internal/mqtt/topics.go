package mqtt

// Topics of the chat edge.
const (
	TopicLegacyWeb        = "/legacy_web"
	TopicWebRTC           = "/webrtc"
	TopicRTCMulti         = "/rtc_multi"
	TopicOneVC            = "/onevc"
	TopicBrowserSR        = "/br_sr"
	TopicSRResponse       = "/sr_res"
	TopicMessageSync      = "/t_ms"
	TopicThreadTyping     = "/thread_typing"
	TopicOrcaTyping       = "/orca_typing_notifications"
	TopicNotifyDisconnect = "/notify_disconnect"
	TopicPresence         = "/orca_presence"

	TopicCreateQueue  = "/messenger_sync_create_queue"
	TopicGetDiffs     = "/messenger_sync_get_diffs"
	TopicBrowserClose = "/browser_close"
)

// SubscribeTopics is the fixed subscription list, in subscription order.
var SubscribeTopics = []string{
	TopicLegacyWeb,
	TopicWebRTC,
	TopicRTCMulti,
	TopicOneVC,
	TopicBrowserSR,
	TopicSRResponse,
	TopicMessageSync,
	TopicThreadTyping,
	TopicOrcaTyping,
	TopicNotifyDisconnect,
	TopicPresence,
}

// TransientTopics are dropped before a graceful close.
var TransientTopics = []string{TopicWebRTC, TopicRTCMulti, TopicOneVC}
