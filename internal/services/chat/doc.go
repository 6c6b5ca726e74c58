// Package chat implements the multilingual chat gateway.
//
// It owns WebSocket sessions, room history and participant preferences.
// Translation work is handed to the translation fan-out so a slow engine
// never holds back delivery of the original message.
package chat
