package grpcbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/transport"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	// ErrEmptyAddress is returned when no daemon address is configured
	ErrEmptyAddress = errors.New("radio daemon address cannot be empty")
)

// Config holds configuration for the radio daemon client
type Config struct {
	// Address is the gRPC target of the radio daemon, e.g. "localhost:50051"
	Address string
	// Params is sent with Configure on every Initialize
	Params map[string]interface{}
	// ConfigureTimeout bounds the Configure call
	ConfigureTimeout time.Duration
	// DialOptions are appended to the default insecure credentials
	DialOptions []grpc.DialOption
	Logger      logrus.FieldLogger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Address == "" {
		return ErrEmptyAddress
	}
	if _, err := structpb.NewStruct(c.Params); err != nil {
		return fmt.Errorf("invalid radio parameters: %w", err)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.ConfigureTimeout <= 0 {
		c.ConfigureTimeout = 5 * time.Second
	}
}

// Client implements transport.Transport against a radio daemon
type Client struct {
	config Config
	logger logrus.FieldLogger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClient creates a client. No connection is made until Initialize.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.SetDefaults()
	return &Client{
		config: config,
		logger: logging.Component(config.Logger, "grpc-radio").WithField("address", config.Address),
	}, nil
}

// Initialize connects to the daemon and pushes the radio parameters
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.config.DialOptions...)
		conn, err := grpc.NewClient(c.config.Address, opts...)
		if err != nil {
			return fmt.Errorf("%w: failed to create client: %v", transport.ErrInit, err)
		}
		c.conn = conn
	}

	params, err := structpb.NewStruct(c.config.Params)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrInit, err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.config.ConfigureTimeout)
	defer cancel()
	if err := c.conn.Invoke(cctx, configureMethod, params, new(emptypb.Empty)); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("%w: configure failed: %v", transport.ErrInit, err)
	}

	c.logger.Info("Radio daemon configured")
	return nil
}

func (c *Client) currentConn() *grpc.ClientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Send transmits a frame through the daemon
func (c *Client) Send(ctx context.Context, frame []byte) (transport.Ack, error) {
	conn := c.currentConn()
	if conn == nil {
		return transport.Ack{}, fmt.Errorf("%w: %w", transport.ErrSend, transport.ErrStopped)
	}

	out := new(wrapperspb.BoolValue)
	if err := conn.Invoke(ctx, transmitMethod, wrapperspb.Bytes(frame), out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transport.Ack{}, fmt.Errorf("%w: %w", transport.ErrSend, ctxErr)
		}
		return transport.Ack{}, fmt.Errorf("%w: %v", transport.ErrSend, err)
	}
	return transport.Ack{Delivered: out.GetValue()}, nil
}

// Receive opens the daemon's receive stream
func (c *Client) Receive(ctx context.Context) (<-chan transport.Frame, <-chan error) {
	frames := make(chan transport.Frame)
	errs := make(chan error, 1)

	conn := c.currentConn()
	if conn == nil {
		close(frames)
		errs <- transport.ErrStopped
		return frames, errs
	}

	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], receiveMethod)
	if err == nil {
		if err = stream.SendMsg(&emptypb.Empty{}); err == nil {
			err = stream.CloseSend()
		}
	}
	if err != nil {
		close(frames)
		errs <- fmt.Errorf("failed to open receive stream: %w", err)
		return frames, errs
	}

	go func() {
		defer close(frames)
		for {
			msg := new(wrapperspb.BytesValue)
			if err := stream.RecvMsg(msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					err = errors.New("radio daemon closed the receive stream")
				}
				errs <- err
				return
			}

			f, err := DecodeEnvelope(msg.GetValue())
			if err != nil {
				c.logger.WithError(err).Debug("Dropping undecodable envelope")
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, errs
}

// Stop closes the connection. A later Initialize reconnects.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close radio connection: %w", err)
	}
	c.logger.Info("Radio daemon connection closed")
	return nil
}

var _ transport.Transport = (*Client)(nil)
