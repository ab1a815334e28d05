package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/camaste/realtime"
)

// EventRoomMessage is the name of the event pushed to room members.
const EventRoomMessage = "rooms.msg"

type RoomArgs struct {
	Room string `json:"room"`
}

type RoomSendArgs struct {
	Room string `json:"room"`
	Msg  string `json:"msg"`
}

// RoomBody is what room.send publishes.
type RoomBody struct {
	Body string `json:"body"`
}

// roomKey subscribes a peer to a room apart from its chat subscriptions.
type roomKey struct{ p *realtime.Peer }

func requireRoom(room string) error {
	if room == "" {
		return realtime.Reject(map[string]string{"room": "Required"})
	}
	return nil
}

func (s *Service) joinRoom(p *realtime.Peer, args RoomArgs) (map[string]any, error) {
	if err := requireRoom(args.Room); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	key := roomKey{p}
	err := s.broker.Subscribe(ctx, args.Room, key, func(msg Message) {
		err := p.Push(EventRoomMessage, map[string]any{
			"room":    msg.Channel,
			"message": msg.Body,
		})
		if err != nil {
			s.logger.Debug("push failed", zap.String("room", msg.Channel), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	s.track(p, membership{args.Room, key})
	return map[string]any{"room": args.Room, "join": true}, nil
}

func (s *Service) partRoom(p *realtime.Peer, args RoomArgs) (map[string]any, error) {
	if err := requireRoom(args.Room); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	key := roomKey{p}
	if err := s.broker.Unsubscribe(ctx, args.Room, key); err != nil {
		return nil, err
	}
	s.untrack(p, membership{args.Room, key})
	return map[string]any{"room": args.Room, "part": true}, nil
}

func (s *Service) sendRoom(args RoomSendArgs) (map[string]any, error) {
	if err := requireRoom(args.Room); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	if err := s.broker.Publish(ctx, args.Room, RoomBody{Body: args.Msg}); err != nil {
		return nil, err
	}
	return map[string]any{"room": args.Room, "sent": true}, nil
}
