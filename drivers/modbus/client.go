// Package modbus maps the point protocol onto a Modbus service: digital
// inputs to discrete inputs, digital outputs to coils, analog inputs to
// input registers and analog outputs to holding registers.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/shopspring/decimal"

	"github.com/timzifer/softplc/pointio"
)

type conn interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	setDeadline(d time.Duration)
	Close() error
}

type dialFunc func(Settings) (conn, error)

// Client is a pointio.Client backed by a single Modbus connection. The
// connection is dialed lazily on first use and dropped after a transport
// failure, so the next exchange reconnects.
type Client struct {
	mu       sync.Mutex
	settings Settings
	dial     dialFunc
	conn     conn
	closed   bool
}

// Option adjusts the client at construction.
type Option func(*Client)

// WithDialer replaces the connection factory, used by tests.
func WithDialer(dial dialFunc) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// NewClient validates the settings and returns an unconnected client.
func NewClient(settings Settings, opts ...Option) (*Client, error) {
	if err := settings.normalize(); err != nil {
		return nil, err
	}
	c := &Client{settings: settings, dial: dialHandler}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func dialHandler(s Settings) (conn, error) {
	switch s.Mode {
	case ModeRTU:
		handler := gomodbus.NewRTUClientHandler(s.Address)
		handler.SlaveId = s.UnitID
		handler.Timeout = s.Timeout
		if s.BaudRate > 0 {
			handler.BaudRate = s.BaudRate
		}
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect %s: %w", s.Address, err)
		}
		return &session{
			Client:     gomodbus.NewClient(handler),
			setTimeout: func(d time.Duration) { handler.Timeout = d },
			closer:     handler.Close,
		}, nil
	default:
		handler := gomodbus.NewTCPClientHandler(s.Address)
		handler.SlaveId = s.UnitID
		handler.Timeout = s.Timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect %s: %w", s.Address, err)
		}
		return &session{
			Client:     gomodbus.NewClient(handler),
			setTimeout: func(d time.Duration) { handler.Timeout = d },
			closer:     handler.Close,
		}, nil
	}
}

// session adapts a goburrow client and its handler to the conn interface.
type session struct {
	gomodbus.Client
	setTimeout func(time.Duration)
	closer     func() error
}

func (s *session) setDeadline(d time.Duration) {
	s.setTimeout(d)
}

func (s *session) Close() error {
	return s.closer()
}

// Read fetches one point. Output classes read back their last written
// state from the coil and holding register space.
func (c *Client) Read(ctx context.Context, p pointio.Point) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.prepare(ctx, p)
	if err != nil {
		return 0, &pointio.CommError{Op: "read", Address: p.Address, Err: err}
	}
	var value float64
	switch p.Kind {
	case pointio.DigitalIn:
		payload, err := conn.ReadDiscreteInputs(c.register(p), 1)
		if err != nil {
			return 0, c.fail("read", p, err)
		}
		value = bitValue(payload)
	case pointio.DigitalOut:
		payload, err := conn.ReadCoils(c.register(p), 1)
		if err != nil {
			return 0, c.fail("read", p, err)
		}
		value = bitValue(payload)
	case pointio.AnalogIn:
		payload, err := conn.ReadInputRegisters(c.register(p), 1)
		if err != nil {
			return 0, c.fail("read", p, err)
		}
		word, err := wordValue(payload)
		if err != nil {
			return 0, c.fail("read", p, err)
		}
		value = scaleUp(word, c.settings.InputScale)
	case pointio.AnalogOut:
		payload, err := conn.ReadHoldingRegisters(c.register(p), 1)
		if err != nil {
			return 0, c.fail("read", p, err)
		}
		word, err := wordValue(payload)
		if err != nil {
			return 0, c.fail("read", p, err)
		}
		value = scaleDown(word, c.settings.OutputScale)
	default:
		return 0, fmt.Errorf("point %s: unsupported kind %s", p.Address, p.Kind)
	}
	return value, nil
}

// Write stores one output point. Digital levels map to the coil constants
// 0xFF00 and 0x0000, analog values to a scaled register word.
func (c *Client) Write(ctx context.Context, p pointio.Point, value float64) error {
	if p.Kind.Input() {
		return fmt.Errorf("point %s: %s is read only", p.Address, p.Kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.prepare(ctx, p)
	if err != nil {
		return &pointio.CommError{Op: "write", Address: p.Address, Err: err}
	}
	switch p.Kind {
	case pointio.DigitalOut:
		level := uint16(0x0000)
		if value != 0 {
			level = 0xFF00
		}
		if _, err := conn.WriteSingleCoil(c.register(p), level); err != nil {
			return c.fail("write", p, err)
		}
	case pointio.AnalogOut:
		word, err := outputWord(value, c.settings.OutputScale)
		if err != nil {
			return fmt.Errorf("point %s: %w", p.Address, err)
		}
		if _, err := conn.WriteSingleRegister(c.register(p), word); err != nil {
			return c.fail("write", p, err)
		}
	}
	return nil
}

// Close drops the connection. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.dropConn()
}

// prepare returns a live connection with the point's deadline applied.
// Callers must hold the mutex.
func (c *Client) prepare(ctx context.Context, p pointio.Point) (conn, error) {
	if c.closed {
		return nil, fmt.Errorf("client closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.conn == nil {
		conn, err := c.dial(c.settings)
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}
	c.conn.setDeadline(p.TimeoutOrDefault())
	return c.conn, nil
}

// fail wraps a transport error and drops the connection so the next
// exchange reconnects.
func (c *Client) fail(op string, p pointio.Point, err error) error {
	_ = c.dropConn()
	return &pointio.CommError{Op: op, Address: p.Address, Err: err}
}

func (c *Client) dropConn() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) register(p pointio.Point) uint16 {
	var base uint16
	switch p.Kind {
	case pointio.DigitalIn:
		base = c.settings.Bases.DigitalIn
	case pointio.DigitalOut:
		base = c.settings.Bases.DigitalOut
	case pointio.AnalogIn:
		base = c.settings.Bases.AnalogIn
	case pointio.AnalogOut:
		base = c.settings.Bases.AnalogOut
	}
	return base + uint16(p.Pin-1)
}

func bitValue(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	if payload[0]&0x01 != 0 {
		return 1
	}
	return 0
}

func wordValue(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("short register payload (%d bytes)", len(payload))
	}
	return binary.BigEndian.Uint16(payload), nil
}

// Raw words and engineering values convert through decimals so scales like
// 0.1 do not accumulate binary float artifacts.
func scaleUp(word uint16, scale float64) float64 {
	if scale == 1 {
		return float64(word)
	}
	scaled := decimal.NewFromInt(int64(word)).Mul(decimal.RequireFromString(fmt.Sprintf("%g", scale)))
	return scaled.InexactFloat64()
}

func scaleDown(word uint16, scale float64) float64 {
	if scale == 1 {
		return float64(word)
	}
	scaled := decimal.NewFromInt(int64(word)).Div(decimal.RequireFromString(fmt.Sprintf("%g", scale)))
	return scaled.InexactFloat64()
}

func outputWord(value, scale float64) (uint16, error) {
	scaled := decimal.NewFromFloat(value)
	if scale != 1 {
		scaled = scaled.Mul(decimal.RequireFromString(fmt.Sprintf("%g", scale)))
	}
	word := scaled.Round(0).IntPart()
	if word < 0 || word > 0xFFFF {
		return 0, fmt.Errorf("value %v exceeds register range", value)
	}
	return uint16(word), nil
}
