//go:build !darwin

package main

import "errors"

func run() error {
	return errors.New("capsa-apple-vzd only runs on macOS")
}
