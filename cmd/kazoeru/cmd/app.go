// Package cmd contains the core application logic and goroutine launch points.
package cmd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ropes/kazoeru/pkg/counter"
	"github.com/ropes/kazoeru/pkg/server"
	"github.com/ropes/kazoeru/pkg/traffic"
)

// Dashboard is the live view the app reports into.
type Dashboard interface {
	SetTopN(rows []string)
	SetCounts(rows []string)
	AddAlert(row string)
}

// Kazoeru 数える App
type Kazoeru struct {
	ctx    context.Context
	cfg    Config
	logger *log.Logger

	counter *counter.SharedCounter
	srv     *server.Server
	hits    chan server.Hit

	rc   *traffic.RouteCounter
	ad   *traffic.AlertDetector
	dash Dashboard

	consumers sync.WaitGroup
}

// NewKazoeru builds the app. The counter is created here, once, and shared
// by every request the server handles.
func NewKazoeru(ctx context.Context, cfg Config, logger *log.Logger) *Kazoeru {
	k := &Kazoeru{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,

		counter: counter.New(),
		hits:    make(chan server.Hit, cfg.Consumers*64),
		rc:      new(traffic.RouteCounter),
	}
	k.srv = server.New(cfg.Server, k.counter, k.hits, logger)
	return k
}

// Init starts the traffic tracking goroutines. dash may be nil.
func (k *Kazoeru) Init(dash Dashboard) {
	k.dash = dash

	// Initialize Traffic Monitor alerter
	notifications := make(chan traffic.Notification, 1)
	k.ad = traffic.NewAlertDetector(k.ctx, k.cfg.Alert, notifications)
	go func() {
		i := 0
		for {
			select {
			case <-k.ctx.Done():
				return
			case n := <-notifications:
				i++
				switch n.(type) {
				case traffic.Alert:
					k.logger.Warnf("RequestRate Notification: %q", n.String())
				default:
					k.logger.Infof("RequestRate Notification: %q", n.String())
				}
				if k.dash != nil {
					k.dash.AddAlert(fmt.Sprintf("[%d] %s", i, n.String()))
				}
			}
		}
	}()

	// Initialize Route Counter reporting
	go func() {
		rcTick := time.NewTicker(k.cfg.ReportInterval)
		defer rcTick.Stop()
		for {
			select {
			case <-k.ctx.Done():
				return
			case <-rcTick.C:
				k.report()
			}
		}
	}()

	// Initialze stream consumers before serving requests
	for i := 0; i < k.cfg.Consumers; i++ {
		k.consumers.Add(1)
		go func() {
			defer k.consumers.Done()
			for h := range k.hits {
				// Increment traffic counter
				k.ad.Increment(1, h.TS)

				// Record the URL's route to counter
				u := HTTPURLSlug(h.Host, h.Path)
				k.logger.Tracef("HitConsumer received: %v", u)
				k.rc.IncKey(u, uint64(1))
			}
		}()
	}
}

func (k *Kazoeru) report() {
	reqs := traffic.TopN(k.rc.Export(), k.cfg.TopN)
	f := log.Fields{}
	top := make([]string, 0, len(reqs))
	for i, v := range reqs {
		s := fmt.Sprintf("%s -> %d", v.URL, v.C)
		f[fmt.Sprintf("%d", i+1)] = s
		top = append(top, fmt.Sprintf("[%d]: %s", i+1, s))
	}
	if len(reqs) > 0 {
		k.logger.WithFields(f).Infof("Top %d URLs", k.cfg.TopN)
	}
	if k.dash == nil {
		return
	}

	counts := []string{
		fmt.Sprintf("last %v: %d", k.cfg.ReportInterval, k.ad.SpanCount(k.cfg.ReportInterval)),
		fmt.Sprintf("last %v: %d", time.Minute, k.ad.SpanCount(time.Minute)),
		fmt.Sprintf("last %v: %d (alert at %d)", k.cfg.Alert.Span, k.ad.SpanCount(k.cfg.Alert.Span), k.cfg.Alert.Threshold),
		fmt.Sprintf("state: %s", k.ad.GetState().String()),
	}
	k.dash.SetTopN(top)
	k.dash.SetCounts(counts)
}

// Run serves HTTP on the configured address until the app's context is
// done, then drains the tracking consumers.
func (k *Kazoeru) Run() error {
	return k.drain(k.srv.Run(k.ctx))
}

// Serve is Run on an existing listener.
func (k *Kazoeru) Serve(ln net.Listener) error {
	return k.drain(k.srv.Serve(k.ctx, ln))
}

func (k *Kazoeru) drain(err error) error {
	if err != nil {
		// Handlers may still be publishing hits.
		return fmt.Errorf("http server: %w", err)
	}
	close(k.hits)
	k.consumers.Wait()
	return nil
}

func (k *Kazoeru) routeCounts() map[string]uint64 {
	return k.rc.Export()
}

func (k *Kazoeru) getAlertState() traffic.Notification {
	return k.ad.GetState()
}
