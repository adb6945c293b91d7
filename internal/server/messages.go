package server

import (
	"github.com/npezzotti/go-teamchat/internal/types"
)

// Inbound frame types.
const (
	TypeAuth          = "auth"
	TypeJoinChannel   = "join_channel"
	TypeLeaveChannel  = "leave_channel"
	TypeSendMessage   = "send_message"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
)

// Outbound frame types.
const (
	TypeAuthSuccess       = "auth_success"
	TypeError             = "error"
	TypeJoinedChannel     = "joined_channel"
	TypeLeftChannel       = "left_channel"
	TypeNewMessage        = "new_message"
	TypeMessageEdited     = "message_edited"
	TypeMessageDeleted    = "message_deleted"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
)

const (
	errTextNotAuthenticated = "Not authenticated"
	errTextAuthFailed       = "Authentication failed"
	errTextInvalidFormat    = "Invalid message format"
	errTextAccessDenied     = "Access denied"
	errTextNotFound         = "Message not found"
	errTextUnavailable      = "Message storage unavailable, try again"
	errTextInternal         = "Internal server error"
)

type ClientMessage struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	ChannelId   string `json:"channelId,omitempty"`
	MessageId   string `json:"messageId,omitempty"`
	MessageText string `json:"messageText,omitempty"`
	FileId      string `json:"fileId,omitempty"`
}

// ServerMessage is an outbound frame. Message carries a *types.Message for
// message events and the error text for error frames.
type ServerMessage struct {
	Type      string `json:"type"`
	ChannelId string `json:"channelId,omitempty"`
	MessageId string `json:"messageId,omitempty"`
	UserId    string `json:"userId,omitempty"`
	UserName  string `json:"userName,omitempty"`
	Message   any    `json:"message,omitempty"`

	// presence snapshot sent with auth_success
	OnlineUsers []string `json:"onlineUsers,omitempty"`
}

func AuthSuccess(userId string, online []string) *ServerMessage {
	return &ServerMessage{Type: TypeAuthSuccess, UserId: userId, OnlineUsers: online}
}

func ErrorMessage(text string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Message: text}
}

func JoinedChannel(channelId string) *ServerMessage {
	return &ServerMessage{Type: TypeJoinedChannel, ChannelId: channelId}
}

func LeftChannel(channelId string) *ServerMessage {
	return &ServerMessage{Type: TypeLeftChannel, ChannelId: channelId}
}

func NewMessage(msg types.Message) *ServerMessage {
	return &ServerMessage{Type: TypeNewMessage, Message: &msg}
}

func MessageEdited(msg types.Message) *ServerMessage {
	return &ServerMessage{Type: TypeMessageEdited, Message: &msg}
}

func MessageDeleted(channelId, messageId string) *ServerMessage {
	return &ServerMessage{Type: TypeMessageDeleted, ChannelId: channelId, MessageId: messageId}
}

func UserTyping(channelId string, user types.User) *ServerMessage {
	return &ServerMessage{Type: TypeUserTyping, ChannelId: channelId, UserId: user.Id, UserName: user.Name}
}

func UserStoppedTyping(channelId, userId string) *ServerMessage {
	return &ServerMessage{Type: TypeUserStoppedTyping, ChannelId: channelId, UserId: userId}
}

func UserOnline(user types.User) *ServerMessage {
	return &ServerMessage{Type: TypeUserOnline, UserId: user.Id, UserName: user.Name}
}

func UserOffline(userId string) *ServerMessage {
	return &ServerMessage{Type: TypeUserOffline, UserId: userId}
}
