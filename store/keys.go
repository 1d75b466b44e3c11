package store

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
)

// Key layout:
//
//	c/<conv>                          conversation JSON
//	m/<conv>/<uuid>                   message JSON (without reactions)
//	i/<conv>/<index:%020d>            -> uuid
//	u/<uuid>                          -> conv
//	r/<conv>/<uuid>/<kind>/<identity> reaction row (empty value)
//	p/<conv>/<sid>                    participant JSON
//
// Every <segment> is path-escaped, so ids containing '/' cannot collide with
// the separators or with another id's prefix.
const (
	nsConversation = "c/"
	nsMessage      = "m/"
	nsIndex        = "i/"
	nsUUID         = "u/"
	nsReaction     = "r/"
	nsParticipant  = "p/"
)

func seg(s string) string { return url.PathEscape(s) }

func unseg(s string) (string, bool) {
	v, err := url.PathUnescape(s)
	return v, err == nil
}

func conversationKey(sid string) []byte { return []byte(nsConversation + seg(sid)) }

func messagePrefix(conv string) []byte { return []byte(nsMessage + seg(conv) + "/") }

func messageKey(conv, uuid string) []byte { return []byte(nsMessage + seg(conv) + "/" + seg(uuid)) }

// messageKeyUUID returns the uuid of a key under messagePrefix(conv).
func messageKeyUUID(conv string, key []byte) (string, bool) {
	return unseg(strings.TrimPrefix(string(key), string(messagePrefix(conv))))
}

func indexPrefix(conv string) []byte { return []byte(nsIndex + seg(conv) + "/") }

func indexKey(conv string, index int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", nsIndex, seg(conv), index))
}

func uuidKey(uuid string) []byte { return []byte(nsUUID + seg(uuid)) }

func reactionConvPrefix(conv string) []byte { return []byte(nsReaction + seg(conv) + "/") }

func reactionPrefix(conv, uuid string) []byte {
	return []byte(nsReaction + seg(conv) + "/" + seg(uuid) + "/")
}

func reactionKey(conv, uuid, kind, identity string) []byte {
	return []byte(nsReaction + seg(conv) + "/" + seg(uuid) + "/" + seg(kind) + "/" + seg(identity))
}

// splitReactionKey returns uuid, kind and identity of a reaction row under
// reactionConvPrefix(conv).
func splitReactionKey(conv string, key []byte) (uuid, kind, identity string, ok bool) {
	rest := strings.TrimPrefix(string(key), string(reactionConvPrefix(conv)))
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	for i, p := range parts {
		if parts[i], ok = unseg(p); !ok {
			return "", "", "", false
		}
	}
	return parts[0], parts[1], parts[2], true
}

func participantPrefix(conv string) []byte { return []byte(nsParticipant + seg(conv) + "/") }

func participantKey(conv, sid string) []byte { return []byte(nsParticipant + seg(conv) + "/" + seg(sid)) }

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Topics name the live-query channels a write can wake up.
const topicConversations = "c"

func topicMessages(conv string) string { return "m/" + conv }

func topicParticipants(conv string) string { return "p/" + conv }
