//go:build zmq
// +build zmq

package main

import "github.com/dd0wney/cluso-mq/pkg/transport"

func newZMQ(opts transport.MangosOptions) (transport.Transport, error) {
	return transport.NewZMQ(opts), nil
}
