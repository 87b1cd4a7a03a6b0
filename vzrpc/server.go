package vzrpc

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler is the daemon-side realization of the protocol. OpenConsole
// returns the descriptor to hand over; Serve owns sending it.
type Handler interface {
	Start(cfg StartConfig) (string, error)
	Stop(handle string) error
	Kill(handle string) error
	Wait(handle string) (int, error)
	Status(handle string) (State, error)
	OpenConsole(handle string) (*os.File, error)
}

// Serve answers requests until the request stream ends. A clean EOF,
// the parent going away, returns nil; the caller is expected to tear
// down every guest it started.
//
// Each request runs in its own goroutine so a blocking Wait never
// holds up Stop or Kill. The reply and its descriptor go out back to
// back under one write lock.
func Serve(rw io.ReadWriter, fds *net.UnixConn, h Handler) error {
	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)

	defer wg.Wait()

	for {
		var req Request

		if err := readMessage(rw, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}

			return err
		}

		wg.Add(1)

		go func(req Request) {
			defer wg.Done()

			rep, f := dispatch(h, req)
			rep.Seq = req.Seq

			wmu.Lock()
			err := writeMessage(rw, &rep)

			if err == nil && f != nil {
				err = SendFD(fds, f)
			}
			wmu.Unlock()

			if f != nil {
				f.Close()
			}

			if err != nil {
				logrus.WithError(err).WithField("seq", req.Seq).Error("reply send failed")
			}
		}(req)
	}
}

func dispatch(h Handler, req Request) (Reply, *os.File) {
	logrus.WithFields(logrus.Fields{
		"kind":   req.Kind.String(),
		"handle": req.Handle,
	}).Debug("request")

	switch req.Kind {
	case KindStart:
		if req.Start == nil {
			return Reply{Err: "start request without config"}, nil
		}

		handle, err := h.Start(*req.Start)
		if err != nil {
			return Reply{Err: err.Error()}, nil
		}

		return Reply{Handle: handle}, nil

	case KindStop:
		if err := h.Stop(req.Handle); err != nil {
			return Reply{Err: err.Error()}, nil
		}

		return Reply{}, nil

	case KindKill:
		if err := h.Kill(req.Handle); err != nil {
			return Reply{Err: err.Error()}, nil
		}

		return Reply{}, nil

	case KindWait:
		code, err := h.Wait(req.Handle)
		if err != nil {
			return Reply{Err: err.Error()}, nil
		}

		return Reply{ExitCode: code}, nil

	case KindStatus:
		state, err := h.Status(req.Handle)
		if err != nil {
			return Reply{Err: err.Error()}, nil
		}

		return Reply{State: state}, nil

	case KindOpenConsole:
		f, err := h.OpenConsole(req.Handle)
		if err != nil {
			return Reply{Err: err.Error()}, nil
		}

		return Reply{FdFollows: true}, f
	}

	return Reply{Err: "unknown request kind"}, nil
}
