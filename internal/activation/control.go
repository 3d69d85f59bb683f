package activation

import (
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-wake/internal/protocol"
	"github.com/nats-io/nats.go"
)

// handleControl serves start, stop and status requests. Requests addressed
// to another node are ignored so several nodes can share the subjects.
func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, fmt.Errorf("decode control request: %w", err))
			return
		}
	}
	if req.NodeID != "" && req.NodeID != s.opts.NodeID {
		return
	}

	var err error
	switch msg.Subject {
	case protocol.SubjectControlStart:
		err = s.Resume()
	case protocol.SubjectControlStop:
		err = s.Pause()
	case protocol.SubjectControlStatus:
	default:
		err = fmt.Errorf("unknown control subject %q", msg.Subject)
	}
	s.reply(msg, err)
}

func (s *Service) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := protocol.ControlReply{OK: err == nil, Status: s.Status()}
	if err != nil {
		resp.Error = err.Error()
	}
	data, merr := json.Marshal(resp)
	if merr != nil {
		s.log.Warn("failed to marshal control reply", slogError(merr))
		return
	}
	if rerr := msg.Respond(data); rerr != nil {
		s.log.Warn("failed to send control reply", slogError(rerr))
	}
}
