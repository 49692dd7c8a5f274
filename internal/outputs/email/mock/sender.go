package mock

import (
	"context"
	"sync"

	"github.com/bakkerme/repology-notify/internal/outputs/email"
)

type Sender struct {
	Messages []email.Message
	Err      error
	mu       sync.Mutex
}

func (s *Sender) Send(ctx context.Context, message email.Message) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Messages = append(s.Messages, message)
	return nil
}
