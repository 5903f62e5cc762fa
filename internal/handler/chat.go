package handler

import (
	"fmt"

	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"go.uber.org/zap"
)

// maxSayLen caps broadcast text in characters.
const maxSayLen = 200

// HandleSay processes C_SAY (opcode 81): text for everyone else in the
// same field instance.
// Format: [S text]
func HandleSay(sess *net.Session, r *packet.Reader, _ *Deps) {
	text := r.ReadS()
	if r.Err() != nil || text == "" || sess.Field == nil {
		return
	}
	if runes := []rune(text); len(runes) > maxSayLen {
		text = string(runes[:maxSayLen])
	}

	from := sess.CharName
	if from == "" {
		from = fmt.Sprintf("#%d", sess.CharacterID)
	}
	n := sess.Field.Broadcast(sess.ID(), fieldNoticePacket(sess.Charset(), from, text))
	sess.Log().Debug("say", zap.String("from", from), zap.Int("recipients", n))
}
