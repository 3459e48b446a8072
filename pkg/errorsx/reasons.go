package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

func (r ReasonCode) Error() string { return string(r) }

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonASRConnect ReasonCode = "asr_connect"
	ReasonASRSend    ReasonCode = "asr_send"

	ReasonConversationConnect          ReasonCode = "conversation_connect"
	ReasonConversationSend             ReasonCode = "conversation_send"
	ReasonConversationReconnectExhaust ReasonCode = "conversation_reconnect_exhausted"

	ReasonPCMDecode ReasonCode = "pcm_decode"
	ReasonProtocol  ReasonCode = "protocol"

	ReasonVADInit             ReasonCode = "vad_init"
	ReasonPlaybackUnavailable ReasonCode = "playback_unavailable"

	ReasonConfigInvalid ReasonCode = "config_invalid"
)
