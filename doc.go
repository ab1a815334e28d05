/*
Package realtime is a reconnecting request/response client for realtime
servers speaking a small JSON protocol over websocket.

A Client issues named calls with arguments. Calls are queued until a
transport is open, then sent; replies are matched back to their call by id,
and every other message is published as a server-pushed event. Transport
drops are absorbed: the client redials with a growing delay and keeps
sending whatever is still queued once the new transport opens.


Client example

	d := &realtime.WebSocketDialer{URL: "ws://localhost:8081/realtime"}
	hub := shell.New()
	c := realtime.NewClient(d, hub, realtime.WithLogger(logger))
	hub.Bind(c)

	hub.On("chat.msg", func(ev realtime.Event) {
		msg := ev.(realtime.Pushed).Message
		fmt.Println(msg.Get("body.text"))
	})
	c.Call("chat.join", map[string]string{"token": "lobby"},
		realtime.Timeout(5*time.Second),
		realtime.OnSuccess(func(msg *realtime.Message, call *realtime.Call) {
			log.Printf("joined: %s", msg)
		}),
		realtime.OnError(func(err error, call *realtime.Call) {
			log.Printf("join failed: %v", err)
		}))


Server example

Server answers calls from any client speaking the same protocol:

	h := realtime.NewHandlers()
	h.Handle("greet", func(p *realtime.Peer, args struct{ Name string }) (map[string]string, error) {
		return map[string]string{"greeting": "hello " + args.Name}, nil
	})
	http.Handle("/realtime", realtime.NewServer(h))


Layers

	4. Shell: shell.Hub fans out events and the ready/shutdown lifecycle
	3. Client: call queue, reply matching, timeouts, reconnect backoff
	2. Transport: Dialer/Transport/TransportHandler, WebSocketDialer
	1. Protocol: JSON call and reply frames, heartbeat frames

Transports other than websocket plug in by implementing Dialer.
*/
package realtime
