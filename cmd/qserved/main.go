// Command qserved is a demonstration host for package engine: it owns
// the UDP socket and a timer tick the core deliberately has no opinion
// about, and wires a trivial echo stream handler to exercise the
// request/response round trip end to end.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qcore/qtransport/engine"
	"github.com/qcore/qtransport/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "qserved",
		Short: "qserved runs a QUIC transport endpoint over UDP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := engine.DefaultConfig()
			if configPath != "" {
				loaded, err := engine.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return runServer(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	return root
}

// runServer owns the net.PacketConn and drives the Endpoint: it reads
// datagrams into Serve, writes back whatever it returns, and ticks
// Flush on an interval short enough to service the soonest connection
// timer without a full per-connection timer wheel's bookkeeping.
func runServer(cfg engine.Config) error {
	ep, err := engine.NewEndpoint(cfg)
	if err != nil {
		return fmt.Errorf("build endpoint: %w", err)
	}

	pc, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer pc.Close()

	logrus.WithField("addr", cfg.ListenAddr).Info("qserved listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		runReadLoop(pc, ep)
	}()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case now := <-ticker.C:
			for _, d := range ep.Flush(now) {
				if _, err := pc.WriteTo(d.Data, d.To); err != nil {
					logrus.WithError(err).Warn("write datagram")
				}
			}
		}
	}
}

func runReadLoop(pc net.PacketConn, ep *engine.Endpoint) {
	buf := make([]byte, transport.MaxPacketSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			logrus.WithError(err).Warn("udp read failed, stopping")
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		now := time.Now()
		out, err := ep.Serve(now, from, datagram)
		if err != nil {
			logrus.WithError(err).Debug("serve error")
			continue
		}
		for _, d := range out {
			if _, err := pc.WriteTo(d.Data, d.To); err != nil {
				logrus.WithError(err).Warn("write datagram")
			}
		}
		echoStreamData(ep, from)
	}
}

// echoStreamData implements the S2 integration scenario: whatever a
// peer-opened stream has received gets written straight back on the
// same stream, and a received FIN closes the reply.
func echoStreamData(ep *engine.Endpoint, from net.Addr) {
	conn := ep.ConnForAddr(from)
	if conn == nil {
		return
	}
	for _, e := range conn.Events(nil) {
		if e.Type != transport.EventStreamRecv {
			continue
		}
		st, err := conn.Stream(e.StreamID)
		if err != nil || st == nil {
			continue
		}
		buf := make([]byte, 4096)
		for {
			n, err := st.Read(buf)
			if n > 0 {
				if _, werr := st.Write(buf[:n]); werr != nil {
					logrus.WithError(werr).Debug("echo write failed")
					break
				}
			}
			if err != nil || n == 0 {
				// Read reports the peer's FIN as a NoError *transport.Error.
				if qe, ok := err.(*transport.Error); ok && qe.Code == transport.NoError {
					st.Close()
				}
				break
			}
		}
	}
}
