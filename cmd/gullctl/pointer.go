package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	memmgrCmd := &cobra.Command{
		Use:   "memmgr",
		Short: "Exercise MemoryManager's pointer-mapping operations directly",
	}

	mapCmd := &cobra.Command{
		Use:   "map <pointer> <size>",
		Short: "Map size bytes starting at pointer and print them as hex, independent of any open heap or region",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ptr, err := parsePointer(args[0])
			if err != nil {
				return err
			}
			size, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[1], err)
			}

			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			mr, err := m.MapPointer(ptr, size)
			if err != nil {
				return err
			}
			defer m.UnmapPointer(mr)
			printInfo("%x\n", mr.Data)
			return nil
		},
	}

	memmgrCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(memmgrCmd)
}
