//go:build !linux && !darwin

package capsa

import "github.com/capsa-vm/capsa/backend"

func platformBackends() []backend.Backend {
	return nil
}
