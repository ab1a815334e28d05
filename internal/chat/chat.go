// Package chat is the demo service served by "realtime serve": an echo call,
// channel chat where members receive "chat.msg" events, and rooms where
// members receive "rooms.msg" events.
package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camaste/realtime"
)

// EventMessage is the name of the event pushed to channel members.
const EventMessage = "chat.msg"

const (
	stateKey      = "chat"
	brokerTimeout = 5 * time.Second
)

type TokenArgs struct {
	Token string `json:"token"`
}

type SendArgs struct {
	Token string `json:"token"`
	Text  string `json:"text"`
}

type MessageBody struct {
	Text string `json:"text"`
}

// Service answers echo and chat.* calls.
type Service struct {
	broker Broker
	logger *zap.Logger
}

func NewService(b Broker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{broker: b, logger: logger}
}

// Register adds the service's calls to h.
func (s *Service) Register(h *realtime.Handlers) {
	h.Handle("echo", s.echo)
	h.Handle("chat.join", s.join)
	h.Handle("chat.part", s.part)
	h.Handle("chat.sendmsg", s.sendmsg)
	h.Handle("room.join", s.joinRoom)
	h.Handle("room.part", s.partRoom)
	h.Handle("room.send", s.sendRoom)
}

func (s *Service) echo(args map[string]any) (map[string]any, error) {
	return map[string]any{"cool": "dude", "args": args}, nil
}

// membership is one broker subscription held by a peer. Chat subscribes
// with the peer as key, rooms with a roomKey, so both can share a channel.
type membership struct {
	channel string
	key     any
}

// member tracks the subscriptions one peer holds.
type member struct {
	mu     sync.Mutex
	joined map[membership]struct{}
}

func (s *Service) member(p *realtime.Peer) *member {
	if m, ok := p.Get(stateKey).(*member); ok {
		return m
	}
	m := &member{joined: make(map[membership]struct{})}
	p.Set(stateKey, m)
	p.OnClose(s.leaveAll)
	return m
}

func (s *Service) track(p *realtime.Peer, ms membership) {
	m := s.member(p)
	m.mu.Lock()
	if m.joined != nil {
		m.joined[ms] = struct{}{}
	}
	m.mu.Unlock()
}

func (s *Service) untrack(p *realtime.Peer, ms membership) {
	m := s.member(p)
	m.mu.Lock()
	delete(m.joined, ms)
	m.mu.Unlock()
}

func (s *Service) leaveAll(p *realtime.Peer) {
	m, ok := p.Get(stateKey).(*member)
	if !ok {
		return
	}
	m.mu.Lock()
	joined := make([]membership, 0, len(m.joined))
	for ms := range m.joined {
		joined = append(joined, ms)
	}
	m.joined = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	for _, ms := range joined {
		if err := s.broker.Unsubscribe(ctx, ms.channel, ms.key); err != nil {
			s.logger.Warn("unsubscribe on close", zap.String("channel", ms.channel), zap.Error(err))
		}
	}
}

func requireToken(token string) error {
	if token == "" {
		return realtime.Reject(map[string]string{"token": "Required"})
	}
	return nil
}

func (s *Service) join(p *realtime.Peer, args TokenArgs) (map[string]any, error) {
	if err := requireToken(args.Token); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	err := s.broker.Subscribe(ctx, args.Token, p, func(msg Message) {
		err := p.Push(EventMessage, map[string]any{
			"channel": msg.Channel,
			"body":    msg.Body,
		})
		if err != nil {
			s.logger.Debug("push failed", zap.String("channel", msg.Channel), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	s.track(p, membership{args.Token, p})
	s.logger.Info("joined", zap.String("peer", p.Addr()), zap.String("channel", args.Token))
	return map[string]any{"token": args.Token, "join": true}, nil
}

func (s *Service) part(p *realtime.Peer, args TokenArgs) (map[string]any, error) {
	if err := requireToken(args.Token); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	if err := s.broker.Unsubscribe(ctx, args.Token, p); err != nil {
		return nil, err
	}
	s.untrack(p, membership{args.Token, p})
	s.logger.Info("parted", zap.String("peer", p.Addr()), zap.String("channel", args.Token))
	return map[string]any{"token": args.Token, "part": true}, nil
}

func (s *Service) sendmsg(args SendArgs) (map[string]any, error) {
	if err := requireToken(args.Token); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	if err := s.broker.Publish(ctx, args.Token, MessageBody{Text: args.Text}); err != nil {
		return nil, err
	}
	return map[string]any{"token": args.Token, "sent": true}, nil
}
