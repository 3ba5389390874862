package server

import (
	"context"

	"github.com/amqpmux/amqpmux/api"
	"github.com/amqpmux/amqpmux/internal/mutexqueue"
)

// Handler is invoked for a fetch-class request matched to its path and
// verb, in registration order alongside any siblings registered for the
// same verb at the same path.
type Handler func(ctx context.Context, req *api.RequestProperties, body []byte, resp *Response)

// handlerNode is what the PathTrie stores at a registered path: either a
// set of verb handlers (a fetch endpoint) or a mutex set (an acquire
// endpoint), matching spec's HandlerNode{handlers, mutex_set?}. A path is
// one or the other in this implementation — mixing fetch verbs and acquire
// at the same path is rejected at registration time, since a single
// incoming message can only be routed one way.
type handlerNode struct {
	path     string
	handlers map[api.Op][]Handler
	mutexes  *mutexqueue.Set
}

func newFetchNode(path string) *handlerNode {
	return &handlerNode{path: path, handlers: make(map[api.Op][]Handler)}
}

func newMutexNode(path string) *handlerNode {
	return &handlerNode{path: path, mutexes: mutexqueue.NewSet()}
}
