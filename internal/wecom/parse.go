package wecom

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// envelope is the flat CDATA element set the platform posts after decryption.
type envelope struct {
	XMLName        xml.Name `xml:"xml"`
	ToUserName     string   `xml:"ToUserName"`
	FromUserName   string   `xml:"FromUserName"`
	CreateTime     int64    `xml:"CreateTime"`
	MsgType        string   `xml:"MsgType"`
	MsgID          string   `xml:"MsgId"`
	Content        string   `xml:"Content"`
	MenuID         string   `xml:"MenuId"`
	MediaID        string   `xml:"MediaId"`
	Event          string   `xml:"Event"`
	Token          string   `xml:"Token"`
	OpenKfID       string   `xml:"OpenKfId"`
	ExternalUserID string   `xml:"ExternalUserId"`
	Scene          string   `xml:"Scene"`
	SceneParam     string   `xml:"SceneParam"`
	WelcomeCode    string   `xml:"WelcomeCode"`
	FailMsgID      string   `xml:"FailMsgId"`
	FailType       string   `xml:"FailType"`
	RecallMsgID    string   `xml:"RecallMsgId"`
	WechatChannels *struct {
		Nickname     string `xml:"Nickname"`
		ShopNickname string `xml:"ShopNickname"`
		Scene        string `xml:"Scene"`
	} `xml:"WechatChannels"`
}

// Parse converts one decrypted callback XML body into its typed variant.
func Parse(xmlText string) (CallbackMessage, error) {
	var env envelope
	if err := xml.Unmarshal([]byte(xmlText), &env); err != nil {
		return CallbackMessage{}, fmt.Errorf("parse callback xml: %w", err)
	}

	msg := CallbackMessage{
		ToUserName:   env.ToUserName,
		FromUserName: env.FromUserName,
		CreateTime:   env.CreateTime,
		MsgID:        env.MsgID,
	}

	switch MsgType(env.MsgType) {
	case MsgTypeText:
		msg.Type = MsgTypeText
		msg.Text = &TextPayload{Content: env.Content, MenuID: env.MenuID}
	case MsgTypeImage:
		msg.Type = MsgTypeImage
		msg.Image = &ImagePayload{MediaID: env.MediaID}
	case MsgTypeVoice:
		msg.Type = MsgTypeVoice
		msg.Voice = &VoicePayload{MediaID: env.MediaID}
	case MsgTypeEvent:
		if strings.TrimSpace(env.Event) == "" {
			return CallbackMessage{}, fmt.Errorf("event callback missing Event field")
		}
		msg.Type = MsgTypeEvent
		msg.Event = buildEventPayload(env)
	default:
		return CallbackMessage{}, &UnsupportedTypeError{Name: env.MsgType}
	}
	return msg, nil
}

func buildEventPayload(env envelope) *EventPayload {
	payload := &EventPayload{
		EventType:      env.Event,
		Token:          env.Token,
		OpenKfID:       env.OpenKfID,
		ExternalUserID: env.ExternalUserID,
		Scene:          env.Scene,
		SceneParam:     env.SceneParam,
		WelcomeCode:    env.WelcomeCode,
		FailMsgID:      env.FailMsgID,
		RecallMsgID:    env.RecallMsgID,
	}
	if env.FailType != "" {
		if v, err := strconv.Atoi(env.FailType); err == nil {
			payload.FailType = v
		}
	}
	if env.WechatChannels != nil {
		info := &WechatChannelsInfo{
			Nickname:     env.WechatChannels.Nickname,
			ShopNickname: env.WechatChannels.ShopNickname,
		}
		if env.WechatChannels.Scene != "" {
			if v, err := strconv.Atoi(env.WechatChannels.Scene); err == nil {
				info.Scene = v
			}
		}
		payload.WechatChannels = info
	}
	return payload
}

var encryptPattern = regexp.MustCompile(`<Encrypt><!\[CDATA\[(.*?)\]\]></Encrypt>`)

// ExtractEncrypted pulls the base64 ciphertext out of a raw POST body without
// a full XML parse; the outer envelope is not trusted beyond this element.
func ExtractEncrypted(body string) (string, error) {
	m := encryptPattern.FindStringSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no Encrypt element in callback body")
	}
	return m[1], nil
}
