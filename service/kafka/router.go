package kafka

import (
	"sync"

	"github.com/lamyinia/TellYou-sub000/tools/errs"
)

// Handler 处理一条已消费的消息；返回错误只记录，不阻塞后续消息。
type Handler func(topic string, key, value []byte) error

var (
	handlerMu sync.RWMutex
	handlers  = make(map[string]Handler)
)

func RegisterHandler(topic string, h Handler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handlers[topic] = h
}

func GetHandler(topic string) (Handler, error) {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	h, ok := handlers[topic]
	if !ok {
		return nil, errs.New("no handler registered for topic %s", topic)
	}
	return h, nil
}
