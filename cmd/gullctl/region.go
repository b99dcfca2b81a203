package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var regionSize int64

func init() {
	regionCmd := &cobra.Command{
		Use:   "region",
		Short: "Create, destroy, and exercise single-shelf regions",
	}

	createCmd := &cobra.Command{
		Use:   "create <pool-id>",
		Short: "Create a new region of --size bytes at the given pool ID",
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
			if err := m.CreateRegion(id, regionSize); err != nil {
				return err
			}
			printInfo("created region %d (size=%d)\n", id, regionSize)
			return nil
		},
	}
	createCmd.Flags().Int64Var(&regionSize, "size", 4*1024*1024, "Size in bytes of the region's single shelf")

	destroyCmd := &cobra.Command{
		Use:   "destroy <pool-id>",
		Short: "Destroy the region at the given pool ID",
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
			if err := m.DestroyRegion(id); err != nil {
				return err
			}
			printInfo("destroyed region %d\n", id)
			return nil
		},
	}

	catCmd := &cobra.Command{
		Use:   "cat <pool-id> <offset> <length>",
		Short: "Print length bytes of a region's data starting at offset, as hex",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePoolId(args[0])
			if err != nil {
				return err
			}
			offset, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offset %q: %w", args[1], err)
			}
			length, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid length %q: %w", args[2], err)
			}

			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			r, err := m.FindRegion(id)
			if err != nil {
				return err
			}
			if err := r.Open(); err != nil {
				return err
			}
			defer r.Close()

			data := r.Data()
			if offset < 0 || length < 0 || offset+length > int64(len(data)) {
				return fmt.Errorf("region %d: [%d,%d) out of bounds (size %d)", id, offset, offset+length, len(data))
			}
			printInfo("%x\n", data[offset:offset+length])
			return nil
		},
	}

	regionCmd.AddCommand(createCmd, destroyCmd, catCmd)
	rootCmd.AddCommand(regionCmd)
}
