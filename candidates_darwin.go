package capsa

import (
	"github.com/capsa-vm/capsa/applevz"
	"github.com/capsa-vm/capsa/backend"
)

func platformBackends() []backend.Backend {
	return applevz.Backends()
}
