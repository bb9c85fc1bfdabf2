package session

import (
	"context"
	"errors"
	"sync"

	agentclient "github.com/repoask/repoask/internal/agent/client"
)

// Stream is the event flow of one prompt. Events for other sessions on
// the same server are dropped; events carrying no session pass
// through. The stream ends normally on session.idle, exceptionally on
// session.error or prompt submission failure, and without an error on
// consumer cancellation. Whichever outcome happens first wins; cleanup
// runs exactly once on every termination path.
type Stream struct {
	sessionID string
	events    chan *agentclient.Event
	cancel    context.CancelFunc
	cleanup   func()

	once sync.Once
	done chan struct{}
	err  error
}

// newStream consumes source and republishes this session's events.
// cleanup may be nil.
func newStream(ctx context.Context, cancel context.CancelFunc, sessionID string, source <-chan *agentclient.Event, cleanup func()) *Stream {
	s := &Stream{
		sessionID: sessionID,
		events:    make(chan *agentclient.Event, 16),
		cancel:    cancel,
		cleanup:   cleanup,
		done:      make(chan struct{}),
	}
	go s.pump(ctx, source)
	return s
}

// Events delivers the session's events until the stream terminates.
func (s *Stream) Events() <-chan *agentclient.Event {
	return s.events
}

// Done closes when the stream has terminated.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, nil for a normal end. Valid after
// Done closes or Events is drained.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// fail terminates the stream exceptionally. Used by the prompt
// submitter when the submission itself errors; a terminal event that
// arrives first takes precedence.
func (s *Stream) fail(err error) {
	s.finish(err)
}

// finish records the first outcome and releases all resources.
func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.cancel()
		if s.cleanup != nil {
			s.cleanup()
		}
	})
}

func (s *Stream) pump(ctx context.Context, source <-chan *agentclient.Event) {
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			// Consumer cancellation: release everything, no error.
			s.finish(nil)
			return
		case event, ok := <-source:
			if !ok {
				s.finish(errors.New("agent event stream ended before session became idle"))
				return
			}

			if sid := event.SessionID(); sid != "" && sid != s.sessionID {
				continue
			}

			switch event.Type {
			case agentclient.EventSessionIdle:
				s.finish(nil)
				return
			case agentclient.EventSessionError:
				s.finish(agentErrorFromEvent(event))
				return
			}

			select {
			case s.events <- event:
			case <-ctx.Done():
				s.finish(nil)
				return
			}
		}
	}
}

func agentErrorFromEvent(event *agentclient.Event) error {
	props, err := agentclient.ParseSessionError(event.Properties)
	if err != nil || props.Error == nil {
		return &AgentError{Message: "session failed without details"}
	}
	return &AgentError{Name: props.Error.Name, Message: props.Error.GetMessage()}
}

// Collect drains the stream and assembles the answer from its text
// parts. Each part update carries the full text so far, so later
// updates replace earlier ones per part.
func (s *Stream) Collect() (string, error) {
	texts := make(map[string]string)
	var order []string

	for event := range s.events {
		if event.Type != agentclient.EventMessagePartUpdated {
			continue
		}
		props, err := agentclient.ParsePartUpdated(event.Properties)
		if err != nil || props.Part.Type != agentclient.PartTypeText {
			continue
		}
		if _, seen := texts[props.Part.ID]; !seen {
			order = append(order, props.Part.ID)
		}
		texts[props.Part.ID] = props.Part.Text
	}

	if err := s.Err(); err != nil {
		return "", err
	}

	var answer string
	for i, id := range order {
		if i > 0 {
			answer += "\n"
		}
		answer += texts[id]
	}
	return answer, nil
}
