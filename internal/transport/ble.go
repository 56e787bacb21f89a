package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// GATT profile constants. Writes with a non-zero offset are rejected by the
// adapter; subscribing to the notify characteristic enables outbound
// delivery.
const (
	BLEServiceUUID   = "12345678-1234-5678-1234-56789ABCDEF0"
	BLEWriteCharUUID = "12345678-1234-5678-1234-56789ABCDEF1"
	BLENotifyUUID    = "12345678-1234-5678-1234-56789ABCDEF2"
)

// GATT is the narrow surface an OS BLE adapter provides. Adapter internals
// (advertising cadence, connection intervals, pairing) stay behind it.
type GATT interface {
	// Advertise starts advertising the service until the context ends.
	Advertise(ctx context.Context, serviceUUID string) error
	// Notify pushes data to one subscribed central/peripheral.
	Notify(peer string, data []byte) error
	// SetReceiveHandler registers the write-characteristic sink.
	SetReceiveHandler(func(peer string, data []byte))
	// Disconnect drops the link to one peer.
	Disconnect(peer string) error
	// Connected lists subscribed peers.
	Connected() []string
}

// BLE adapts a GATT device to the Link capability set. It does no chunking
// of its own: each frame goes out whole, already fitted to the BLE MTU by
// the multiplexer's fragmentation.
type BLE struct {
	dev GATT
	log *zap.Logger

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
}

func NewBLE(dev GATT, log *zap.Logger) *BLE {
	if log == nil {
		log = zap.NewNop()
	}
	return &BLE{dev: dev, log: log}
}

func (b *BLE) Subscribe(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *BLE) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	b.dev.SetReceiveHandler(func(peer string, data []byte) {
		b.mu.Lock()
		h := b.handler
		b.mu.Unlock()
		if h != nil {
			h(peer, data)
		}
	})
	go func() {
		if err := b.dev.Advertise(ctx, BLEServiceUUID); err != nil && ctx.Err() == nil {
			b.log.Warn("ble advertise stopped", zap.Error(err))
		}
	}()
	return nil
}

func (b *BLE) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Send writes one whole frame per notification. The multiplexer fragments
// packets so payloads stay within the MTU; header overhead rides on the
// adapter's negotiated ATT size.
func (b *BLE) Send(peer string, frame []byte) error {
	return b.dev.Notify(peer, frame)
}

func (b *BLE) Broadcast(frame []byte) error {
	var firstErr error
	for _, peer := range b.dev.Connected() {
		if err := b.Send(peer, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *BLE) Close(peer string) error {
	return b.dev.Disconnect(peer)
}

func (b *BLE) Peers() []string {
	return b.dev.Connected()
}
