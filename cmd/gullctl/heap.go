package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hivekit/disheap"
	"github.com/joshuapare/hivekit/internal/gid"
)

var heapShelfSize int64
var heapVariant string

func init() {
	heapCmd := &cobra.Command{
		Use:   "heap",
		Short: "Create, destroy, and exercise distributed heaps",
	}

	createCmd := &cobra.Command{
		Use:   "create <pool-id>",
		Short: "Create a new distributed heap at the given pool ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolId(args[0])
			if err != nil {
				return err
			}
			variant, err := parseVariant(heapVariant)
			if err != nil {
				return err
			}
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.CreateHeap(id, heapShelfSize, variant); err != nil {
				return err
			}
			printInfo("created heap %d (variant=%s, shelf-size=%d)\n", id, heapVariant, heapShelfSize)
			return nil
		},
	}
	createCmd.Flags().Int64Var(&heapShelfSize, "shelf-size", 4*1024*1024, "Size in bytes of each shelf the heap grows by")
	createCmd.Flags().StringVar(&heapVariant, "variant", "fixed", "Allocator variant: fixed or zone")

	destroyCmd := &cobra.Command{
		Use:   "destroy <pool-id>",
		Short: "Destroy the heap at the given pool ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolId(args[0])
			if err != nil {
				return err
			}
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.DestroyHeap(id); err != nil {
				return err
			}
			printInfo("destroyed heap %d\n", id)
			return nil
		},
	}

	allocCmd := &cobra.Command{
		Use:   "alloc <pool-id> <size>",
		Short: "Allocate size bytes from the heap at pool-id and print the resulting pointer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolId(args[0])
			if err != nil {
				return err
			}
			size, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[1], err)
			}
			variant, err := parseVariant(heapVariant)
			if err != nil {
				return err
			}
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			h, err := m.FindHeap(id, variant)
			if err != nil {
				return err
			}
			if err := h.Open(); err != nil {
				return err
			}
			defer h.Close()

			ptr := h.Alloc(size)
			if !ptr.Valid() {
				return fmt.Errorf("heap %d: out of memory allocating %d bytes", id, size)
			}
			printVerbose("allocated %s\n", ptr)
			printInfo("%#x\n", ptr.ToU64())
			return nil
		},
	}
	allocCmd.Flags().StringVar(&heapVariant, "variant", "fixed", "Allocator variant: fixed or zone")

	freeCmd := &cobra.Command{
		Use:   "free <pool-id> <pointer>",
		Short: "Free a pointer previously returned by alloc",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolId(args[0])
			if err != nil {
				return err
			}
			ptr, err := parsePointer(args[1])
			if err != nil {
				return err
			}
			variant, err := parseVariant(heapVariant)
			if err != nil {
				return err
			}
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			h, err := m.FindHeap(id, variant)
			if err != nil {
				return err
			}
			if err := h.Open(); err != nil {
				return err
			}
			defer h.Close()

			if err := h.Free(ptr); err != nil {
				return err
			}
			printInfo("freed %s\n", ptr)
			return nil
		},
	}
	freeCmd.Flags().StringVar(&heapVariant, "variant", "fixed", "Allocator variant: fixed or zone")

	heapCmd.AddCommand(createCmd, destroyCmd, allocCmd, freeCmd)
	rootCmd.AddCommand(heapCmd)
}

func parsePoolId(s string) (gid.PoolId, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid pool ID %q: %w", s, err)
	}
	return gid.PoolId(v), nil
}

func parseVariant(s string) (byte, error) {
	switch s {
	case "fixed":
		return disheap.VariantFixed, nil
	case "zone":
		return disheap.VariantZone, nil
	default:
		return 0, fmt.Errorf("invalid variant %q: must be fixed or zone", s)
	}
}

func parsePointer(s string) (gid.GlobalPtr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return gid.GlobalPtr{}, fmt.Errorf("invalid pointer %q: %w", s, err)
	}
	return gid.FromU64(v), nil
}
