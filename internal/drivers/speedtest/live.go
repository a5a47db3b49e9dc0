package speedtest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"github.com/zewelor/bt-mqtt-gateway/internal/driver"
)

var errNoServer = errors.New("no server selected")

// liveSession drives speedtest-go. Each run gets its own client and
// transport so nothing outlives the run.
type liveSession struct {
	args   Args
	stc    *st.Speedtest
	tr     *http.Transport
	server *st.Server
}

func openLive(args Args, deps driver.Deps) session {
	hc, tr := newHTTPClient(args, deps.CommandTimeout)
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{
			SavingMode:     args.SavingMode,
			MaxConnections: args.MaxConnections,
		}),
		st.WithDoer(hc),
	)
	stc.SetNThread(args.MaxConnections)
	return &liveSession{args: args, stc: stc, tr: tr}
}

func (l *liveSession) Ping(ctx context.Context) (Server, error) {
	user, err := l.stc.FetchUserInfoContext(ctx)
	if err != nil {
		return Server{}, driver.Transient(fmt.Errorf("fetch user info: %w", err))
	}
	servers, err := l.stc.FetchServerListContext(ctx)
	if err != nil {
		return Server{}, driver.Transient(fmt.Errorf("fetch server list: %w", err))
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Server{}, driver.Transient(errors.New("no servers available"))
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(l.args.ServerCount, len(servers))]

	pinged := pingCandidates(ctx, candidates, l.args.PingConcurrency)
	if len(pinged) == 0 {
		if err := ctx.Err(); err != nil {
			return Server{}, err
		}
		return Server{}, driver.Transient(errors.New("all latency tests failed"))
	}
	sort.Slice(pinged, func(i, j int) bool { return pinged[i].Latency < pinged[j].Latency })
	l.server = pinged[0]

	return Server{
		Name:    l.server.Sponsor,
		Country: l.server.Country,
		Host:    l.server.Host,
		ISP:     user.Isp,
		Latency: l.server.Latency,
		Jitter:  l.server.Jitter,
	}, nil
}

func (l *liveSession) Download(ctx context.Context) (float64, error) {
	if l.server == nil {
		return 0, errNoServer
	}
	if err := l.server.DownloadTestContext(ctx); err != nil {
		return 0, driver.Transient(fmt.Errorf("download: %w", err))
	}
	mbps := l.server.DLSpeed.Mbps()
	l.stc.Snapshots().Clean()
	return mbps, nil
}

func (l *liveSession) Upload(ctx context.Context) (float64, error) {
	if l.server == nil {
		return 0, errNoServer
	}
	if err := l.server.UploadTestContext(ctx); err != nil {
		return 0, driver.Transient(fmt.Errorf("upload: %w", err))
	}
	return l.server.ULSpeed.Mbps(), nil
}

func (l *liveSession) Close() {
	l.stc.Snapshots().Clean()
	l.stc.Reset()
	if l.tr != nil {
		l.tr.CloseIdleConnections()
	}
}

func pingCandidates(ctx context.Context, servers []*st.Server, concurrency int) []*st.Server {
	sem := make(chan struct{}, max(concurrency, 1))
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		pinged = make([]*st.Server, 0, len(servers))
	)
	for _, s := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return
			}
			mu.Lock()
			pinged = append(pinged, s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return pinged
}

func newHTTPClient(args Args, budget time.Duration) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if budget > 0 {
		dialTimeout = max(min(dialTimeout, budget/2), 2*time.Second)
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   max(args.MaxConnections, 2),
		IdleConnTimeout:       10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     !args.DisableHTTP2,
	}
	if args.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return &http.Client{Transport: tr}, tr
}
