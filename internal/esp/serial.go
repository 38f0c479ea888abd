package esp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"homehub/internal/channels"
	"homehub/internal/state"
)

// Joiner is the channel registry seen by the serial bridge.
type Joiner interface {
	Join(c channels.Conn, group channels.Group, key string)
	Leave(c channels.Conn)
}

// SerialBridge carries compact codes to and from a controller wired over
// USB serial. Lines from the controller are compact codes; lines to it are
// compact codes or "E:<code>" protocol errors.
type SerialBridge struct {
	adapter  *Adapter
	joiner   Joiner
	portPath string
	baud     int
	roomID   string
	password string
	logger   *zap.Logger

	mu sync.Mutex
	w  io.Writer
}

func NewSerialBridge(adapter *Adapter, joiner Joiner, portPath string, baud int, roomID, password string, logger *zap.Logger) *SerialBridge {
	return &SerialBridge{
		adapter:  adapter,
		joiner:   joiner,
		portPath: portPath,
		baud:     baud,
		roomID:   roomID,
		password: password,
		logger:   logger,
	}
}

// Run opens the port and serves it until ctx ends or the port fails.
func (b *SerialBridge) Run(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: b.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(b.portPath, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", b.portPath, err)
	}
	b.logger.Info("serial port opened", zap.String("port", b.portPath), zap.Int("baud", b.baud))

	go func() {
		<-ctx.Done()
		port.Close()
	}()
	err = b.serve(ctx, port)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *SerialBridge) ID() string { return "serial:" + b.portPath }

// Send receives channel envelopes pushed to the room and forwards the
// compact ones to the controller.
func (b *SerialBridge) Send(data []byte) error {
	var env struct {
		Event string `json:"event"`
		Data  string `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Event != channels.EventCompactState {
		return nil
	}
	return b.writeLine(env.Data)
}

func (b *SerialBridge) writeLine(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.w == nil {
		return errors.New("serial port not open")
	}
	_, err := io.WriteString(b.w, line+"\n")
	return err
}

func (b *SerialBridge) serve(ctx context.Context, rw io.ReadWriter) error {
	b.mu.Lock()
	b.w = rw
	b.mu.Unlock()

	sessionID := b.ID()
	res, err := b.adapter.Authenticate(ctx, sessionID, sessionID, b.roomID, b.password, "serial")
	if err != nil {
		return fmt.Errorf("authenticate serial bridge: %w", err)
	}
	b.joiner.Join(b, channels.GroupESPRoom, b.roomID)
	defer func() {
		b.joiner.Leave(b)
		b.adapter.Disconnect(context.WithoutCancel(ctx), sessionID)
		b.mu.Lock()
		b.w = nil
		b.mu.Unlock()
	}()

	for _, slot := range res.AvailableDevices {
		if on, ok := state.Binary(slot.CurrentState); ok {
			code, _ := Encode(slot.Order, on)
			if err := b.writeLine(code); err != nil {
				return err
			}
		}
	}

	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		code := strings.TrimSpace(scanner.Text())
		if code == "" {
			continue
		}
		if _, err := b.adapter.HandleCompact(ctx, sessionID, code); err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				if werr := b.writeLine("E:" + perr.Code); werr != nil {
					return werr
				}
				continue
			}
			b.logger.Error("serial state change failed", zap.String("code", code), zap.Error(err))
		}
	}
	return scanner.Err()
}
