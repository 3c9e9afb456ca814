// Package client builds stubs: bound method tables that turn a call into a
// request, hand it to the transport and wait for (or return a handle to) the
// result.
//
//	stub.Invoke("ping", "hi")
//	  → binding (signature Echo!ping) → MethodCodec.EncodeRequest
//	  → Interceptor.BeforeInvoke / Process (may short-circuit)
//	  → RpcChannel.DoTransport → ... → BlockingRpcCallback
//	  → Wait (sync) or *Future (async) → decode result
package client

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pbrpc/message"
	"pbrpc/transport"
)

// shareChannelKey is the channel key of every signature when pools are shared
// under one proxy.
const shareChannelKey = "*"

// channel is the part of *transport.RpcChannel a stub uses.
type channel interface {
	Addr() string
	DoTransport(ctx context.Context, pkg *message.RPCMessage, cb *transport.BlockingRpcCallback, timeout time.Duration) error
	TestChannelConnect(ctx context.Context) error
	Close() error
}

// Proxy builds and owns the stub of one service and the channels behind it.
type Proxy struct {
	client           *transport.RpcClient
	desc             ServiceDesc
	host             string
	port             int
	locator          ServiceLocator
	interceptor      Interceptor
	exceptionHandler ExceptionHandler
	factory          transport.ChannelPoolFactory
	logger           *zap.Logger

	setupMu sync.Mutex // serializes setup and Close
	stub    *Stub

	channelsMu sync.RWMutex
	channels   map[string]channel // channel key → channel
}

type Option func(*Proxy)

// WithAddress sets the static address used when no ServiceLocator is set.
func WithAddress(host string, port int) Option {
	return func(p *Proxy) { p.host, p.port = host, port }
}

func WithServiceLocator(locator ServiceLocator) Option {
	return func(p *Proxy) { p.locator = locator }
}

func WithInterceptor(interceptor Interceptor) Option {
	return func(p *Proxy) { p.interceptor = interceptor }
}

func WithExceptionHandler(handler ExceptionHandler) Option {
	return func(p *Proxy) { p.exceptionHandler = handler }
}

// WithChannelPoolFactory overrides the pool scoping picked from the client's
// ShareChannelPool option.
func WithChannelPoolFactory(factory transport.ChannelPoolFactory) Option {
	return func(p *Proxy) { p.factory = factory }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

func NewProxy(rpcClient *transport.RpcClient, desc ServiceDesc, opts ...Option) (*Proxy, error) {
	if rpcClient == nil {
		return nil, errors.New("rpc: nil client")
	}
	p := &Proxy{
		client:   rpcClient,
		desc:     desc,
		logger:   rpcClient.Logger(),
		channels: make(map[string]channel),
	}
	for _, o := range opts {
		o(p)
	}
	if p.locator == nil && p.host != "" && (p.port <= 0 || p.port > 65535) {
		return nil, errors.Errorf("rpc: invalid port %d", p.port)
	}
	if p.factory == nil {
		if rpcClient.Options().ShareChannelPool {
			p.factory = rpcClient.SharedChannelPoolFactory()
		} else {
			p.factory = transport.SimpleChannelPoolFactory{}
		}
	}
	p.logger = p.logger.With(zap.String("service", desc.Name))
	return p, nil
}

// Proxy returns the stub, building it on first use. Later calls return the
// same stub until Close.
func (p *Proxy) Proxy(ctx context.Context) (*Stub, error) {
	p.setupMu.Lock()
	defer p.setupMu.Unlock()
	if p.stub != nil {
		return p.stub, nil
	}
	stub, err := p.setup(ctx)
	if err != nil {
		return nil, err
	}
	p.stub = stub
	return stub, nil
}

func (p *Proxy) setup(ctx context.Context) (*Stub, error) {
	if len(p.desc.Methods) == 0 {
		return nil, ErrNoRpcMethod
	}

	bindings := make(map[string]*binding, len(p.desc.Methods))
	signatures := make(map[string]bool, len(p.desc.Methods))
	ordered := make([]*binding, 0, len(p.desc.Methods))
	for _, m := range p.desc.Methods {
		if m.Name == "" {
			return nil, errors.Errorf("rpc: unnamed method in service %q", p.desc.Name)
		}
		b := newBinding(p.desc.Name, m)
		if b.serviceName == "" {
			return nil, errors.Errorf("rpc: method %q has no service name", m.Name)
		}
		if signatures[b.signature] {
			return nil, errors.Wrap(ErrDuplicateSignature, b.signature)
		}
		if _, ok := bindings[b.name]; ok {
			return nil, errors.Errorf("rpc: method %q declared twice", b.name)
		}
		signatures[b.signature] = true
		bindings[b.name] = b
		ordered = append(ordered, b)
	}

	share := p.client.Options().ShareChannelPoolUnderEachProxy
	channels := make(map[string]channel)
	var url string
	for _, b := range ordered {
		b.channelKey = b.signature
		if share {
			b.channelKey = shareChannelKey
		}
		if _, ok := channels[b.channelKey]; ok {
			continue
		}
		host, port, err := p.resolve(b.signature)
		if err != nil {
			p.closeChannels(channels)
			return nil, err
		}
		channels[b.channelKey] = p.factory.GetOrCreateChannelPool(p.client, host, port)
		if url == "" {
			url = net.JoinHostPort(host, strconv.Itoa(port))
		}
	}

	if p.client.Options().LookupStubOnStartup {
		for key, ch := range channels {
			if err := ch.TestChannelConnect(ctx); err != nil {
				p.closeChannels(channels)
				return nil, errors.Wrapf(err, "rpc: connect %s for %s", ch.Addr(), key)
			}
		}
	}

	p.channelsMu.Lock()
	p.channels = channels
	p.channelsMu.Unlock()

	p.logger.Info("proxy created",
		zap.Int("methods", len(ordered)),
		zap.Int("channels", len(channels)),
		zap.String("addr", url))
	return &Stub{proxy: p, bindings: bindings, url: url}, nil
}

func (p *Proxy) resolve(signature string) (string, int, error) {
	if p.locator != nil {
		host, port, err := p.locator.FetchAddress(signature)
		if err != nil {
			return "", 0, errors.Wrapf(err, "rpc: locate %s", signature)
		}
		if host == "" {
			return "", 0, errors.Wrap(ErrNilAddress, signature)
		}
		return host, port, nil
	}
	if p.host == "" {
		return "", 0, errors.Wrap(ErrNilAddress, signature)
	}
	return p.host, p.port, nil
}

func (p *Proxy) channel(key string) channel {
	p.channelsMu.RLock()
	defer p.channelsMu.RUnlock()
	return p.channels[key]
}

// GetServiceSignatures lists the signatures of the service's methods, sorted.
func (p *Proxy) GetServiceSignatures() []string {
	seen := make(map[string]bool, len(p.desc.Methods))
	signatures := make([]string, 0, len(p.desc.Methods))
	for _, m := range p.desc.Methods {
		sig := newBinding(p.desc.Name, m).signature
		if !seen[sig] {
			seen[sig] = true
			signatures = append(signatures, sig)
		}
	}
	sort.Strings(signatures)
	return signatures
}

// Close closes every channel of the stub, even when some fail to close, and
// forgets the stub. Failures are logged and returned together.
func (p *Proxy) Close() error {
	p.setupMu.Lock()
	defer p.setupMu.Unlock()
	p.stub = nil

	p.channelsMu.Lock()
	channels := p.channels
	p.channels = make(map[string]channel)
	p.channelsMu.Unlock()

	return p.closeChannels(channels)
}

func (p *Proxy) closeChannels(channels map[string]channel) error {
	var errs error
	for key, ch := range channels {
		if err := ch.Close(); err != nil {
			p.logger.Warn("close channel failed",
				zap.String("channel_key", key),
				zap.String("addr", ch.Addr()),
				zap.Error(err))
			errs = multierr.Append(errs, errors.Wrapf(err, "close channel %s", key))
		}
	}
	return errs
}
