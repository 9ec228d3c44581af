//go:build !zmq
// +build !zmq

package main

import (
	"errors"

	"github.com/dd0wney/cluso-mq/pkg/transport"
)

func newZMQ(transport.MangosOptions) (transport.Transport, error) {
	return nil, errors.New("zmq transport requires building with -tags zmq")
}
