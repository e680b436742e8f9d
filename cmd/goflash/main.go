// Command goflash is the CLI front end over the cross-vendor flashing core:
// one subcommand family per engine (qualcomm, mtk, spd, fastboot), sharing a
// common --device/--timeout/--partition/--image flag surface.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	// blank imports run each transport's init() registration with
	// transport.Register; without them transport.Open never finds a driver.
	_ "github.com/flashkit/goflash/pkg/transport/block"
	_ "github.com/flashkit/goflash/pkg/transport/serial"
	_ "github.com/flashkit/goflash/pkg/transport/usb"
)

// Exit codes per spec.md §6.
const (
	exitOK                = 0
	exitDeviceNotFound    = 2
	exitProtocolFailure   = 3
	exitIoError           = 4
	exitCancelled         = 5
	exitSignatureRejected = 6
)

func main() {
	log.SetLevel(log.InfoLevel)
	if len(os.Args) < 3 {
		usage()
		os.Exit(exitProtocolFailure)
	}

	vendor := os.Args[1]
	action := os.Args[2]
	rest := os.Args[3:]

	var err error
	switch vendor {
	case "qualcomm":
		err = runQualcomm(action, rest)
	case "mtk":
		err = runMediaTek(action, rest)
	case "spd":
		err = runSpreadtrum(action, rest)
	case "fastboot":
		err = runFastboot(action, rest)
	default:
		usage()
		os.Exit(exitProtocolFailure)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "goflash:", err)
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: goflash <qualcomm|mtk|spd|fastboot> <flash|read|erase|info|boot|getvar|unlock|lock|set-active> [flags]")
}
