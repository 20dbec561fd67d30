package session

import (
	"encoding/json"
	"fmt"

	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
)

// writeMessage serializes all writers on one connection. Calls, results and
// errors share the same mutex so frames never interleave.
func (s *Session) writeMessage(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(data)
}

func (s *Session) writeResult(correlationID string, result any) error {
	msg, err := protocol.NewCallResult(correlationID, result)
	if err != nil {
		return fmt.Errorf("%w: marshal result: %w", pkg.ErrHandlerFault, err)
	}
	return s.writeMessage(msg)
}

func (s *Session) writeError(correlationID string, cerr *protocol.CallError) error {
	out := *cerr
	out.UniqueID = correlationID
	return s.writeMessage(&out)
}
