package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/StephTapera/amenchat/pkg/constant"
)

// NowUnixMilli returns current unix timestamp in milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// GenDirectConversationId generates a deterministic conversation Id for a
// one-to-one conversation.
// Format: di_{min(userA,userB)}:{max(userA,userB)}
// Uses ":" as separator between userIds to support userIds containing "_"
func GenDirectConversationId(userA, userB string) string {
	users := []string{userA, userB}
	sort.Strings(users)
	return fmt.Sprintf("%s%s:%s", constant.DirectConversationPrefix, users[0], users[1])
}

// GenGroupConversationId generates a conversation Id for a group
func GenGroupConversationId(groupId string) string {
	return fmt.Sprintf("%s%s", constant.GroupConversationPrefix, groupId)
}

// IsDirectConversation checks if a conversation Id is for a one-to-one conversation
func IsDirectConversation(conversationId string) bool {
	return len(conversationId) > 3 && conversationId[:3] == constant.DirectConversationPrefix
}

// DirectParticipants extracts both participant ids from a direct conversation Id
func DirectParticipants(conversationId string) (string, string, bool) {
	if !IsDirectConversation(conversationId) {
		return "", "", false
	}
	pair := conversationId[3:]
	idx := strings.Index(pair, ":")
	if idx <= 0 || idx == len(pair)-1 {
		return "", "", false
	}
	return pair[:idx], pair[idx+1:], true
}

// Preview truncates text for use as a conversation last-message preview
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= constant.PreviewMaxLen {
		return text
	}
	return string(runes[:constant.PreviewMaxLen])
}
