package simulation

import (
	"log"
	"reflect"
	"time"

	"github.com/distmc/quiesce/hooking"
)

// HookPosBeforeEvent is a hook position that triggers before handling an
// event.
var HookPosBeforeEvent = &hooking.HookPos{Name: "BeforeEvent"}

// HookPosAfterEvent is a hook position that triggers after handling an event.
var HookPosAfterEvent = &hooking.HookPos{Name: "AfterEvent"}

// A SerialEngine runs events one after another in time order.
type SerialEngine struct {
	hooking.HookableBase

	time    VTimeInSec
	queue   EventQueue
	handled uint64
}

// NewSerialEngine creates a SerialEngine
func NewSerialEngine() *SerialEngine {
	e := new(SerialEngine)
	e.queue = NewEventQueue()

	return e
}

// Schedule register an event to be happen in the future
func (e *SerialEngine) Schedule(evt Event) {
	if evt.Time() < e.time {
		log.Panic("scheduling an event earlier than current time")
	}

	e.queue.Push(evt)
}

// Step handles the next event. It reports false when no event is left.
func (e *SerialEngine) Step() (bool, error) {
	if e.queue.Len() == 0 {
		return false, nil
	}

	evt := e.queue.Pop()
	if evt.Time() < e.time {
		log.Panicf(
			"cannot run event in the past, evt %s @ %.10f, now %.10f",
			reflect.TypeOf(evt), evt.Time(), e.time,
		)
	}

	e.time = evt.Time()
	e.handled++

	hookCtx := hooking.HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt,
	}
	e.InvokeHook(hookCtx)

	err := evt.Handler().Handle(evt)

	hookCtx.Pos = HookPosAfterEvent
	e.InvokeHook(hookCtx)

	return true, err
}

// Run processes events until none is left or a handler fails.
func (e *SerialEngine) Run() error {
	for {
		more, err := e.Step()
		if err != nil || !more {
			return err
		}
	}
}

// CurrentTime returns the time of the event being handled.
func (e *SerialEngine) CurrentTime() VTimeInSec {
	return e.time
}

// Handled returns the number of events handled so far.
func (e *SerialEngine) Handled() uint64 {
	return e.handled
}

// Pending returns the number of events waiting.
func (e *SerialEngine) Pending() int {
	return e.queue.Len()
}

// A Clock converts the virtual time of an engine into wall clock time
// starting at Epoch. It lets time based policies run inside a simulation.
type Clock struct {
	Engine *SerialEngine
	Epoch  time.Time
}

// Now returns the current virtual time.
func (c Clock) Now() time.Time {
	ns := float64(c.Engine.CurrentTime()) * float64(time.Second)
	return c.Epoch.Add(time.Duration(ns))
}
