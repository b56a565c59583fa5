// main.go wires the winuxconnect daemon and its management subcommands:
// discovery, pairing, clipboard sync, battery/notification relay, find
// device, and file transfer between a desktop host and a paired phone.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"winuxconnect/clipboard"
	"winuxconnect/config"
	"winuxconnect/crypto"
	"winuxconnect/discovery"
	"winuxconnect/keystore"
	"winuxconnect/media"
	"winuxconnect/pairing"
	"winuxconnect/protocol"
	"winuxconnect/relay"
	"winuxconnect/session"
	"winuxconnect/storage"
	"winuxconnect/transfer"
	"winuxconnect/transport"
)

var version = "dev" // set by the linker

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "winuxconnect",
		Short:         "Pair and sync a Winux desktop with a phone over the local network",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDevicesCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newPairCmd())
	cmd.AddCommand(newUnpairCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newTransfersCmd())
	cmd.AddCommand(newRingCmd())
	cmd.AddCommand(newMediaCmd())
	cmd.AddCommand(newPairingCodeCmd())

	return cmd
}

// app holds the wired component graph shared by all subcommands.
type app struct {
	cfg     config.Config
	dataDir string

	store   *storage.Store
	keys    *keystore.Store
	engine  *crypto.Engine
	channel *transport.Channel
	orch    *session.Orchestrator

	pairing   *pairing.Coordinator
	clipboard *clipboard.Syncer
	transfers *transfer.Manager
	relay     *relay.Relay
	media     *media.Control

	listener *transport.Listener
}

// newApp loads configuration and wires the component graph. withListener
// additionally binds the inbound TCP port; one-shot commands skip it so they
// never collide with a running daemon.
func newApp(withListener bool) (*app, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}

	keys := keystore.New(config.PrivateKeyPath(dataDir), store)
	if err := keys.Ensure(); err != nil {
		_ = store.Close()
		return nil, err
	}
	privateKey, err := keys.PrivateKey()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := crypto.NewEngine(cfg.Device.ID, privateKey)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	channel := transport.NewChannel(engine, transport.Options{
		ResolveTrust: func(deviceID string) (string, bool) {
			if key := keys.TrustedKey(deviceID); key != "" {
				return key, true
			}
			return "", false
		},
	})

	var listener *transport.Listener
	if withListener {
		listener, err = transport.Listen(":" + strconv.Itoa(cfg.Network.Port))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	orch := session.New(session.Config{
		ReconnectBaseDelay:   cfg.Session.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.Session.ReconnectMaxAttempts,
	}, channel, engine, store, listener)

	coordinator := pairing.New(pairing.Config{
		LocalDeviceName:  cfg.Device.Name,
		LocalDeviceClass: cfg.Device.Class,
	}, channel, engine, keys, store)

	syncer := clipboard.NewSyncer(clipboard.Config{
		MaxContentSize: cfg.Clipboard.MaxContentSize,
		PollInterval:   cfg.Clipboard.PollInterval,
	}, clipboard.SystemBoard{}, orch)

	transfers := transfer.NewManager(transfer.Config{
		ChunkSize:   cfg.Transfer.ChunkSize,
		DownloadDir: cfg.Transfer.DownloadDir,
	}, orch, store, engine.PeerDeviceID)

	statusRelay := relay.New(orch, nil)

	// No MPRIS adapter is wired yet, so incoming playback commands are
	// ignored; peer now-playing reports still surface.
	mediaControl := media.New(orch, nil)

	a := &app{
		cfg:       cfg,
		dataDir:   dataDir,
		store:     store,
		keys:      keys,
		engine:    engine,
		channel:   channel,
		orch:      orch,
		pairing:   coordinator,
		clipboard: syncer,
		transfers: transfers,
		relay:     statusRelay,
		media:     mediaControl,
		listener:  listener,
	}
	a.registerHandlers()
	return a, nil
}

func (a *app) registerHandlers() {
	for _, msgType := range []protocol.Type{
		protocol.TypePairingRequest,
		protocol.TypePairingResponse,
		protocol.TypePairingConfirm,
	} {
		a.orch.Register(msgType, a.pairing.HandleMessage)
	}
	for _, msgType := range []protocol.Type{
		protocol.TypeClipboardContent,
		protocol.TypeClipboardRequest,
	} {
		a.orch.Register(msgType, a.clipboard.HandleMessage)
	}
	for _, msgType := range []protocol.Type{
		protocol.TypeTransferOffer,
		protocol.TypeTransferResponse,
		protocol.TypeTransferChunk,
		protocol.TypeTransferComplete,
		protocol.TypeTransferCancel,
	} {
		a.orch.Register(msgType, a.transfers.HandleMessage)
	}
	for _, msgType := range []protocol.Type{
		protocol.TypeBatteryStatus,
		protocol.TypeBatteryRequest,
		protocol.TypeNotification,
		protocol.TypeFindDevice,
	} {
		a.orch.Register(msgType, a.relay.HandleMessage)
	}
	for _, msgType := range []protocol.Type{
		protocol.TypeMediaControl,
		protocol.TypeMediaStatus,
		protocol.TypeMediaRequest,
	} {
		a.orch.Register(msgType, a.media.HandleMessage)
	}
}

func (a *app) close() {
	a.orch.Stop()
	a.clipboard.Stop()
	if a.listener != nil {
		_ = a.listener.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Printf("close device store: %v", err)
	}
}

func (a *app) newDiscovery() (*discovery.Service, error) {
	fingerprint, err := a.keys.Fingerprint()
	if err != nil {
		return nil, err
	}
	return discovery.New(discovery.Config{
		SelfDeviceID: a.cfg.Device.ID,
		DeviceName:   a.cfg.Device.Name,
		Port:         a.cfg.Network.Port,
		DeviceClass:  a.cfg.Device.Class,
		Capabilities: a.cfg.Device.Capabilities,
		Fingerprint:  fingerprint,
	})
}

func newRunCmd() *cobra.Command {
	var allowPairing bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the connect daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			disco, err := a.newDiscovery()
			if err != nil {
				return err
			}
			if err := disco.Start(); err != nil {
				return err
			}
			defer disco.Stop()

			a.orch.Start()
			a.clipboard.Start()

			log.Printf("winuxconnect %s listening on port %d as %q (%s)",
				version, a.cfg.Network.Port, a.cfg.Device.Name, a.cfg.Device.ID)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case <-stop:
					log.Printf("shutting down")
					return nil
				case event := <-disco.Events():
					a.handleDiscoveryEvent(event)
				case request := <-a.pairing.Requests():
					a.handlePairingRequest(request, allowPairing)
				case offer := <-a.transfers.Offers():
					log.Printf("incoming file %q (%d bytes) from %s, accepting",
						offer.FileName, offer.FileSize, offer.PeerDeviceID)
					if err := a.transfers.Accept(offer.ID); err != nil {
						log.Printf("accept transfer %s: %v", offer.ID, err)
					}
				case update := <-a.transfers.Events():
					if update.State == transfer.StateCompleted {
						log.Printf("transfer %q completed (%d bytes)", update.FileName, update.BytesMoved)
					} else if update.State == transfer.StateFailed {
						log.Printf("transfer %q failed: %s", update.FileName, update.Reason)
					}
				case n := <-a.relay.Notifications():
					log.Printf("[%s] %s: %s", n.AppName, n.Title, n.Text)
				case status := <-a.relay.BatteryUpdates():
					log.Printf("peer battery %d%% charging=%v", status.Level, status.IsCharging)
				case <-a.relay.Rings():
					// The shell maps this to an audible alert; log is the fallback.
					log.Printf("FIND DEVICE: this machine was asked to ring")
				case status := <-a.media.Updates():
					log.Printf("peer playing %q by %q (playing=%v)", status.Title, status.Artist, status.IsPlaying)
				case event := <-a.orch.Events():
					log.Printf("session: %s device=%s attempt=%d", event.Type, event.DeviceID, event.Attempt)
				}
			}
		},
	}

	cmd.Flags().BoolVar(&allowPairing, "allow-pairing", false, "accept incoming pairing requests (the PIN is printed for comparison)")
	return cmd
}

func (a *app) handleDiscoveryEvent(event discovery.Event) {
	switch event.Type {
	case discovery.EventDeviceFound:
		log.Printf("discovered %q (%s) at %s:%d", event.Device.Name, event.Device.Type, event.Device.Address, event.Device.Port)
		a.orch.HandleDiscovered(event.Device)
	case discovery.EventDeviceLost:
		log.Printf("lost %q", event.Name)
	case discovery.EventError:
		log.Printf("discovery: %v", event.Err)
	}
}

func (a *app) handlePairingRequest(request pairing.Request, allowPairing bool) {
	if !allowPairing {
		log.Printf("rejecting pairing request from %q: pairing disabled (run with --allow-pairing)", request.DeviceName)
		if err := a.pairing.Reject(request.DeviceID, "pairing disabled on this host"); err != nil {
			log.Printf("reject pairing: %v", err)
		}
		return
	}

	log.Printf("pairing request from %q (%s), PIN %s, accepting",
		request.DeviceName, request.DeviceType, request.PIN)
	go func() {
		if err := a.pairing.Accept(request.DeviceID); err != nil {
			log.Printf("accept pairing from %s: %v", request.DeviceID, err)
			return
		}
		log.Printf("paired with %q", request.DeviceName)
	}()
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List known devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			devices, err := a.store.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no known devices")
				return nil
			}
			for _, device := range devices {
				paired := " "
				if device.Paired {
					paired = "*"
				}
				fmt.Printf("%s %-20s %-36s %s:%d (%s)\n",
					paired, device.Name, device.ID, device.Address, device.Port, device.Type)
			}
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan the local network for devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			disco, err := a.newDiscovery()
			if err != nil {
				return err
			}
			if err := disco.Start(); err != nil {
				return err
			}
			defer disco.Stop()

			time.Sleep(wait)

			devices := disco.Devices()
			if len(devices) == 0 {
				fmt.Println("no devices found")
				return nil
			}
			for _, device := range devices {
				fmt.Printf("%-20s %-36s %s:%d (%s, %s)\n",
					device.Name, device.ID, device.Address, device.Port, device.Type, device.OSVersion)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to scan before printing results")
	return cmd
}

func newPairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <device-id>",
		Short: "Pair with a discovered device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			a.orch.Start()

			device, err := a.store.GetDevice(args[0])
			if err != nil {
				return fmt.Errorf("unknown device %q, run discover first: %w", args[0], err)
			}

			go func() {
				for change := range a.pairing.Events() {
					switch change.State {
					case pairing.StateSendingRequest:
						fmt.Println("connected, sending pairing request...")
					case pairing.StateWaitingForConfirmation:
						fmt.Println("waiting for the peer to accept...")
					}
				}
			}()

			if err := a.pairing.StartPairing(cmd.Context(), *device); err != nil {
				return fmt.Errorf("pairing failed: %w", err)
			}
			fmt.Printf("paired with %q\n", device.Name)
			return nil
		},
	}
}

func newUnpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Remove the trust record for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.pairing.Unpair(args[0]); err != nil {
				return err
			}
			fmt.Printf("unpaired %s\n", args[0])
			return nil
		},
	}
}

func newSendCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <device-id> <file>",
		Short: "Send a file to a paired device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			a.orch.Start()

			device, err := a.store.GetDevice(args[0])
			if err != nil {
				return err
			}
			if !device.Paired {
				return fmt.Errorf("device %q is not paired", device.Name)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := a.orch.Connect(ctx, *device); err != nil {
				return err
			}

			id, err := a.transfers.SendFile(args[1])
			if err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					_ = a.transfers.Cancel(id)
					return fmt.Errorf("transfer timed out")
				case update := <-a.transfers.Events():
					if update.ID != id {
						continue
					}
					switch update.State {
					case transfer.StateInProgress:
						fmt.Printf("\r%3d%%", update.Progress())
					case transfer.StateCompleted:
						fmt.Printf("\rsent %q (%d bytes)\n", update.FileName, update.BytesMoved)
						return nil
					case transfer.StateFailed:
						return fmt.Errorf("transfer failed: %s", update.Reason)
					case transfer.StateCancelled:
						return fmt.Errorf("transfer cancelled: %s", update.Reason)
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "abort the transfer after this long")
	return cmd
}

func newTransfersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transfers",
		Short: "Show file transfer history",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.store.ListTransfers()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no transfers yet")
				return nil
			}
			for _, record := range records {
				when := time.UnixMilli(record.FinishedAt).Format("2006-01-02 15:04")
				line := fmt.Sprintf("%s  %-8s %-9s %-30s %d/%d bytes",
					when, record.Direction, record.State, record.FileName, record.BytesMoved, record.FileSize)
				if record.Reason != "" {
					line += "  (" + record.Reason + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newMediaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "media <device-id> <play|pause|playpause|next|previous|stop>",
		Short: "Control playback on a paired device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			a.orch.Start()

			device, err := a.store.GetDevice(args[0])
			if err != nil {
				return err
			}
			if !device.Paired {
				return fmt.Errorf("device %q is not paired", device.Name)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := a.orch.Connect(ctx, *device); err != nil {
				return err
			}
			if err := a.media.SendControl(media.Action(args[1])); err != nil {
				return err
			}
			fmt.Printf("sent %s to %q\n", args[1], device.Name)
			return nil
		},
	}
}

func newPairingCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pairing-code",
		Short: "Print the QR pairing URI for this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			pin, err := a.pairing.GeneratePIN()
			if err != nil {
				return err
			}
			publicKey, err := a.keys.PublicKeyBase64()
			if err != nil {
				return err
			}
			uri, err := protocol.BuildPairingURI(protocol.PairingInfo{
				PIN:        pin,
				PublicKey:  publicKey,
				DeviceName: a.cfg.Device.Name,
				DeviceType: a.cfg.Device.Class,
			})
			if err != nil {
				return err
			}

			fingerprint, err := a.keys.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Printf("PIN:         %s\n", pin)
			fmt.Printf("Fingerprint: %s\n", crypto.FormatFingerprint(fingerprint))
			fmt.Printf("URI:         %s\n", uri)
			return nil
		},
	}
}

func newRingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ring <device-id>",
		Short: "Make a paired device ring so it can be found",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			a.orch.Start()

			device, err := a.store.GetDevice(args[0])
			if err != nil {
				return err
			}
			if !device.Paired {
				return fmt.Errorf("device %q is not paired", device.Name)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := a.orch.Connect(ctx, *device); err != nil {
				return err
			}
			if err := a.relay.Ring(); err != nil {
				return err
			}
			fmt.Printf("ringing %q\n", device.Name)
			return nil
		},
	}
}
