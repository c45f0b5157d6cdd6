// otaupdate fetches an update over http(s) and writes it into a flash image
// laid out by a partition table, or into an STM32 over its UART bootloader.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/synthread/go-ota/flash"
	"github.com/synthread/go-ota/outcome"
	"github.com/synthread/go-ota/ota"
	"github.com/synthread/go-ota/partition"
	"github.com/synthread/go-ota/stm32"
	"github.com/synthread/go-ota/transfer"
)

// options are the parsed command line flags
type options struct {
	url, versionURL, current string
	fs, check                bool

	imagePath, tablePath string
	create               bool

	useSTM    bool
	tty       string
	baud      int
	appOffset uint

	caPath        string
	timeout       time.Duration
	skipLinkCheck bool
	ledPin        int
	debug         bool
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", "", "url of the update image")
	flag.StringVar(&o.versionURL, "version-url", "", "url of the published version string")
	flag.StringVar(&o.current, "current", "", "version currently running, enables the version gate")
	flag.BoolVar(&o.fs, "fs", false, "update the filesystem partition instead of the firmware")
	flag.BoolVar(&o.check, "check", false, "only print the version published at -version-url")

	flag.StringVar(&o.imagePath, "image", "", "raw flash image to update")
	flag.StringVar(&o.tablePath, "table", "", "partition table csv describing -image")
	flag.BoolVar(&o.create, "create", false, "create -image erased if it does not exist")

	flag.BoolVar(&o.useSTM, "stm32", false, "update an STM32 over its UART bootloader")
	flag.StringVar(&o.tty, "tty", stm32.DefaultTTY, "serial port of the STM32 bootloader")
	flag.IntVar(&o.baud, "baud", stm32.DefaultBaud, "bootloader baud rate")
	flag.UintVar(&o.appOffset, "app-offset", 0, "offset of the application in STM32 flash")

	flag.StringVar(&o.caPath, "ca", "", "pem file of the CA the server must chain to")
	flag.DurationVar(&o.timeout, "timeout", transfer.DefaultTimeout, "network timeout")
	flag.BoolVar(&o.skipLinkCheck, "skip-link-check", false, "do not require a network link to be up")
	flag.IntVar(&o.ledPin, "led", 0, "gpio pin of a status led, 0 for none")
	flag.BoolVar(&o.debug, "debug", false, "enable debug logging")
	flag.Parse()

	// run returns so its deferred pin and port cleanup happens before exit
	if err := run(&o); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func run(o *options) error {
	if o.debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	src, err := newSource(o.caPath, o.timeout)
	if err != nil {
		return err
	}

	var (
		dir     partition.Directory
		restart func()
	)
	switch {
	case o.check:
		dir = noDirectory{}
	case o.useSTM:
		mc, err := stm32.NewMicrocontroller(&stm32.Config{
			TTY:            o.tty,
			BootloaderBaud: o.baud,
			AppOffset:      uint32(o.appOffset),
		})
		if err != nil {
			return err
		}
		if err := mc.Open(); err != nil {
			return err
		}
		defer mc.Close()

		id, err := mc.Identify()
		if err != nil {
			return err
		}
		logrus.Infof("connected to %s on %s", id, mc.TTY())

		dir = mc
		// closing the bootloader session resets into user flash
		restart = func() {
			logrus.Info("microcontroller resets into the new firmware")
		}
	default:
		im, err := openImage(o.imagePath, o.tablePath, o.create)
		if err != nil {
			return err
		}
		defer im.Close()

		dir = im
		restart = func() {
			running, _ := im.Running()
			fmt.Printf("restart required to boot %s\n", running.Label)
		}
	}

	c := &ota.Config{
		Directory: dir,
		Source:    src,
		Callbacks: progressCallbacks(),
	}
	if o.skipLinkCheck {
		c.Connectivity = transfer.Always{}
	}
	if o.ledPin > 0 {
		led, err := flash.NewLEDIndicator(o.ledPin, true)
		if err != nil {
			return err
		}
		defer led.Close()
		c.Indicator = led
	}

	u, err := ota.New(c)
	if err != nil {
		return err
	}

	if o.check {
		v, err := u.FetchVersion(ctx, o.versionURL, ota.DefaultVersionCapacity)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	}

	update := u.UpdateFirmware
	if o.fs {
		update = u.UpdateFilesystem
	}

	err = update(ctx, o.url, o.versionURL, o.current)
	switch {
	case outcome.Is(err, outcome.NoNewerVersion):
		logrus.Info(err)
		return nil
	case err != nil:
		return err
	}

	if !o.fs {
		restart()
	}
	return nil
}

func newSource(caPath string, timeout time.Duration) (*transfer.HTTPSource, error) {
	c := &transfer.Config{Timeout: timeout}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		c.CACert = string(pem)
	}
	return transfer.NewHTTPSource(c)
}

func openImage(imagePath, tablePath string, create bool) (*partition.Image, error) {
	if imagePath == "" || tablePath == "" {
		return nil, errors.New("-image and -table are required unless -stm32 is set")
	}

	f, err := os.Open(tablePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := partition.ParseTable(f)
	if err != nil {
		return nil, err
	}
	for _, p := range table {
		logrus.Debugf("partition %s", p)
	}

	return partition.OpenImage(imagePath, table, create)
}

// progressCallbacks draws a progress line when stdout is a terminal
func progressCallbacks() flash.Callbacks {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return flash.Callbacks{}
	}

	return flash.Callbacks{
		OnProgress: func(written, total int64) {
			fmt.Printf("\r%3d%% %d/%d bytes", written*100/total, written, total)
		},
		OnEnd: func() {
			fmt.Println()
		},
		OnError: func(kind outcome.Kind) {
			fmt.Printf("\n%s\n", kind)
		},
	}
}

// noDirectory backs an Updater that only reads versions
type noDirectory struct{}

func (noDirectory) Find(partition.Kind) (partition.Region, bool) { return nil, false }
func (noDirectory) FreeSpace(partition.Kind) int64 { return 0 }
func (noDirectory) SetNextBoot(partition.Region) error { return partition.ErrNotBootable }
