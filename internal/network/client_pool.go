package network

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// ClientPool keeps one HTTP client per local address so keep-alive
// connections stay bound to the identity that opened them.
type ClientPool struct {
	timeout time.Duration
	clients sync.Map // ip string -> *http.Client
}

// NewClientPool returns a pool whose clients use timeout per request.
func NewClientPool(timeout time.Duration) *ClientPool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClientPool{timeout: timeout}
}

// For returns the client bound to ip, creating it on first use. A nil ip
// yields a client on the OS default route.
func (p *ClientPool) For(ip net.IP) *http.Client {
	key := "default"
	if ip != nil {
		key = ip.String()
	}
	if c, ok := p.clients.Load(key); ok {
		return c.(*http.Client)
	}
	c, _ := p.clients.LoadOrStore(key, p.newClient(ip))
	return c.(*http.Client)
}

// Dialer returns a dialer bound to ip, for websocket clients.
func (p *ClientPool) Dialer(ip net.IP) *net.Dialer {
	d := &net.Dialer{Timeout: p.timeout, KeepAlive: 30 * time.Second}
	if ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return d
}

func (p *ClientPool) newClient(ip net.IP) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = p.Dialer(ip).DialContext
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	return &http.Client{Transport: transport, Timeout: p.timeout}
}
