package session

import "github.com/danmuck/abxfeed/internal/protocol/wire"

// Observer receives session progress. Calls happen on the session goroutine.
type Observer interface {
	OnPhase(phase Phase)
	OnConnectAttempt(err error)
	OnRecord(p wire.Packet)
	OnDiscard(err error)
	OnResend(seq int32)
}

type NopObserver struct{}

func (NopObserver) OnPhase(Phase)          {}
func (NopObserver) OnConnectAttempt(error) {}
func (NopObserver) OnRecord(wire.Packet)   {}
func (NopObserver) OnDiscard(error)        {}
func (NopObserver) OnResend(int32)         {}
