package wecom

import "fmt"

// MsgType discriminates the callback message union.
type MsgType string

const (
	MsgTypeText  MsgType = "text"
	MsgTypeImage MsgType = "image"
	MsgTypeVoice MsgType = "voice"
	MsgTypeEvent MsgType = "event"
	MsgTypeLink  MsgType = "link"
)

// EventKfMsgOrEvent signals new customer-service activity; the handler must
// drain the conversation via the sync endpoint using the attached Token.
const EventKfMsgOrEvent = "kf_msg_or_event"

// CallbackMessage is the typed form of one decrypted callback envelope.
// Exactly one of Text/Image/Voice/Event is non-nil, matching Type.
type CallbackMessage struct {
	ToUserName   string
	FromUserName string
	CreateTime   int64
	MsgID        string
	Type         MsgType

	Text  *TextPayload
	Image *ImagePayload
	Voice *VoicePayload
	Event *EventPayload
}

type TextPayload struct {
	Content string
	MenuID  string
}

type ImagePayload struct {
	MediaID string
}

type VoicePayload struct {
	MediaID string
}

// EventPayload carries the optional fields the platform attaches to event
// callbacks. Token is only present on kf_msg_or_event.
type EventPayload struct {
	EventType      string
	Token          string
	OpenKfID       string
	ExternalUserID string
	Scene          string
	SceneParam     string
	WelcomeCode    string
	FailMsgID      string
	FailType       int
	RecallMsgID    string
	WechatChannels *WechatChannelsInfo
}

type WechatChannelsInfo struct {
	Nickname     string
	ShopNickname string
	Scene        int
}

// OutgoingMessage is the kf/send_msg request body. Exactly one content field
// matching MsgType should be set.
type OutgoingMessage struct {
	ToUser   string       `json:"touser"`
	OpenKfID string       `json:"open_kfid"`
	MsgID    string       `json:"msgid,omitempty"`
	MsgType  MsgType      `json:"msgtype"`
	Text     *TextContent `json:"text,omitempty"`
	Image    *MediaRef    `json:"image,omitempty"`
	Voice    *MediaRef    `json:"voice,omitempty"`
	Link     *LinkContent `json:"link,omitempty"`
}

type TextContent struct {
	Content string `json:"content"`
}

type MediaRef struct {
	MediaID string `json:"media_id"`
}

type LinkContent struct {
	Title        string `json:"title"`
	Desc         string `json:"desc,omitempty"`
	URL          string `json:"url"`
	ThumbMediaID string `json:"thumb_media_id"`
}

// SyncedMessage is one element of a kf/sync_msg page.
type SyncedMessage struct {
	MsgID          string `json:"msgid"`
	SendTime       int64  `json:"send_time"`
	Origin         int    `json:"origin"`
	MsgType        string `json:"msgtype"`
	ExternalUserID string `json:"external_userid"`
	OpenKfID       string `json:"open_kfid"`
	Text           *struct {
		Content string `json:"content"`
		MenuID  string `json:"menu_id"`
	} `json:"text,omitempty"`
	Voice *struct {
		MediaID string `json:"media_id"`
	} `json:"voice,omitempty"`
	Image *struct {
		MediaID string `json:"media_id"`
	} `json:"image,omitempty"`
}

// SyncResponse is the kf/sync_msg response body.
type SyncResponse struct {
	ErrCode    int             `json:"errcode"`
	ErrMsg     string          `json:"errmsg"`
	NextCursor string          `json:"next_cursor"`
	HasMore    int             `json:"has_more"`
	MsgList    []SyncedMessage `json:"msg_list"`
}

// SendResponse is the kf/send_msg response body.
type SendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MsgID   string `json:"msgid"`
}

// APIError is a non-zero errcode from the platform.
type APIError struct {
	Code int
	Msg  string
	Op   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom %s: errcode %d: %s", e.Op, e.Code, e.Msg)
}

// UnsupportedTypeError reports a callback MsgType outside the known variants.
type UnsupportedTypeError struct {
	Name string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported message type: %s", e.Name)
}
