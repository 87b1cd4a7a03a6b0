// Command capsa-apple-vzd hosts Virtualization.framework guests for a
// parent process. Requests arrive over stdin/stdout; console
// descriptors go back over the socket inherited as fd 3. The daemon
// exits, killing every guest, when the parent closes the request
// pipe.
package main

import (
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("capsa-apple-vzd failed")
	}
}
