package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/joncooperworks/authplugin/client"
	"github.com/joncooperworks/authplugin/wire"
)

// explain turns session errors into messages for a person at a terminal.
func explain(err error) error {
	if err == nil {
		return nil
	}
	var (
		werr  *wire.Error
		abort *client.AbortError
	)
	switch {
	case errors.As(err, &abort):
		return fmt.Errorf("plugin refused to start: %s", abort.Message)
	case errors.Is(err, client.ErrIncompatible):
		return fmt.Errorf("plugin is not compatible with this host: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("timed out waiting for the plugin: %w", err)
	case errors.As(err, &werr):
		switch werr.Kind {
		case wire.KindRefused:
			return errors.New("the request was declined")
		case wire.KindCustom:
			return fmt.Errorf("plugin error: %s", werr.MessageOr("unspecified"))
		case wire.KindUnsupported:
			return errors.New("the plugin does not support this operation")
		}
	}
	return err
}
