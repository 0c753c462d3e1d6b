//go:build !linux
// +build !linux

package transport

import (
	"context"

	"github.com/juju/errors"
)

func openDev(ctx context.Context, p *Params) (Transport, error) {
	return nil, errors.NotImplementedf("the %q transport on this OS", KindDev)
}

func openI2C(ctx context.Context, p *Params) (Transport, error) {
	return nil, errors.NotImplementedf("the %q transport on this OS", KindI2C)
}
