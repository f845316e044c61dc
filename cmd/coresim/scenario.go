package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/doublegate/VeridianOS-sub004/kernel"
	"github.com/doublegate/VeridianOS-sub004/kernel/cap"
	"github.com/doublegate/VeridianOS-sub004/kernel/ipc"
	"github.com/doublegate/VeridianOS-sub004/kernel/sched"
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Run the two-process port handshake",
	Long: `The root process A creates a service port and hands a send-only
capability to a new process B over a bootstrap port. B sends 64 bytes to
the service, then sends again attaching a capability A has revoked: the
payload arrives and the attachment is dropped.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		k, err := kernel.Boot(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, k.Shutdown()) }()
		return runScenario(cmd.Context(), k, cmd.OutOrStdout())
	},
}

// exchange runs send in the background and receives on the other side.
func exchange(send func() error, recv func() (*ipc.Delivery, error)) (*ipc.Delivery, error) {
	var g errgroup.Group
	g.Go(send)
	d, err := recv()
	return d, multierr.Append(err, g.Wait())
}

func runScenario(ctx context.Context, k *kernel.Kernel, out io.Writer) error {
	a, err := k.Context(k.RootThread())
	if err != nil {
		return err
	}

	service, err := a.PortCreate(kernel.RootRegionCap)
	if err != nil {
		return fmt.Errorf("create service port: %w", err)
	}
	sendCap, err := a.CapDerive(service, cap.RightWrite|cap.RightTransfer, 0xb)
	if err != nil {
		return err
	}
	bootstrap, err := a.PortCreate(kernel.RootRegionCap)
	if err != nil {
		return fmt.Errorf("create bootstrap port: %w", err)
	}
	bootRecv, err := a.CapDerive(bootstrap, cap.RightRead|cap.RightTransfer, 0)
	if err != nil {
		return err
	}
	scratch, err := a.PortCreate(kernel.RootRegionCap)
	if err != nil {
		return err
	}
	scratchSend, err := a.CapDerive(scratch, cap.RightWrite|cap.RightTransfer, 0)
	if err != nil {
		return err
	}

	procB, _, err := a.ProcessCreate(kernel.RootRegionCap)
	if err != nil {
		return fmt.Errorf("create process B: %w", err)
	}
	_, tidB, err := a.ThreadCreate(procB, sched.Params{Priority: sched.PriorityDefault})
	if err != nil {
		return fmt.Errorf("create thread of B: %w", err)
	}
	b, err := k.Context(tidB)
	if err != nil {
		return err
	}
	bBootstrap, err := a.CapTransfer(bootRecv, procB)
	if err != nil {
		return err
	}
	bScratch, err := a.CapTransfer(scratchSend, procB)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "A: service port %d, bootstrap port %d; B is thread %d\n", service, bootstrap, tidB)

	intro, err := exchange(
		func() error {
			return a.PortSend(ctx, bootstrap, ipc.Message{Label: 1, Caps: []cap.Index{sendCap}})
		},
		func() (*ipc.Delivery, error) { return b.PortReceive(ctx, bBootstrap) },
	)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if len(intro.Caps) != 1 {
		return fmt.Errorf("bootstrap delivered %d capabilities, want 1", len(intro.Caps))
	}
	bService := intro.Caps[0]
	fmt.Fprintf(out, "B: received service capability at index %d\n", bService)

	payload := bytes.Repeat([]byte{0xc3}, 64)
	d, err := exchange(
		func() error { return b.PortSend(ctx, bService, ipc.Message{Label: 2, Data: payload}) },
		func() (*ipc.Delivery, error) { return a.PortReceive(ctx, service) },
	)
	if err != nil {
		return fmt.Errorf("first send: %w", err)
	}
	if !bytes.Equal(d.Data, payload) {
		return fmt.Errorf("first send: payload mismatch")
	}
	fmt.Fprintf(out, "A: %d bytes from thread %d, badge %#x, %d capabilities\n",
		len(d.Data), d.Sender, d.Badge, len(d.Caps))

	if err := a.CapRevoke(scratch); err != nil {
		return err
	}
	d, err = exchange(
		func() error {
			return b.PortSend(ctx, bService, ipc.Message{Label: 3, Data: payload, Caps: []cap.Index{bScratch}})
		},
		func() (*ipc.Delivery, error) { return a.PortReceive(ctx, service) },
	)
	if err != nil {
		return fmt.Errorf("second send: %w", err)
	}
	if !d.CapsDropped {
		return fmt.Errorf("second send: revoked attachment was not dropped")
	}
	fmt.Fprintf(out, "A: %d bytes, %d capabilities, %d dropped\n", len(d.Data), len(d.Caps), d.Dropped)

	st := k.Stats().IPC
	fmt.Fprintf(out, "ipc: %d sends, %d deliveries, %d caps moved, %d caps dropped\n",
		st.Sends, st.Deliveries, st.CapsMoved, st.CapsDropped)
	return nil
}
