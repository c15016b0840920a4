// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	winunwind "github.com/saferwall/winunwind"
	"github.com/saferwall/winunwind/log"
)

var verbose bool

func dumpImage(filename string) error {
	img, err := winunwind.NewImage(filename, imageOptions())
	if err != nil {
		return fmt.Errorf("opening %s: %w", filename, err)
	}
	defer img.Close()

	if err := img.Parse(); err != nil {
		return fmt.Errorf("parsing %s: %w", filename, err)
	}
	if img.Machine != winunwind.ImageFileMachineAMD64 {
		return fmt.Errorf("%s: machine %#x is not x64", filename, img.Machine)
	}

	exceptionData, err := img.ExceptionData()
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}
	table, err := winunwind.NewRuntimeFunctionTable(exceptionData)
	if err != nil {
		return err
	}

	unwinder := winunwind.NewSehUnwinderX86_64(exceptionData, img, 0,
		&winunwind.SehUnwinderOptions{Logger: cliLogger()})

	w := tabwriter.NewWriter(os.Stdout, 1, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BEGIN\tEND\tUNWIND INFO\tRULE")
	for i := 0; i < table.Count(); i++ {
		entry := table.Entry(i)
		if entry.EndAddress <= entry.BeginAddress {
			fmt.Fprintf(w, "%#x\t%#x\t%#x\t(empty range)\n",
				entry.BeginAddress, entry.EndAddress, entry.UnwindInfoAddress)
			continue
		}
		// The rule as of the end of the function, with the whole prologue
		// executed.
		rule, err := unwinder.RuleForAddress(entry.EndAddress - 1)
		if err != nil {
			fmt.Fprintf(w, "%#x\t%#x\t%#x\t!%v\n",
				entry.BeginAddress, entry.EndAddress, entry.UnwindInfoAddress, err)
			continue
		}
		fmt.Fprintf(w, "%#x\t%#x\t%#x\t%v\n",
			entry.BeginAddress, entry.EndAddress, entry.UnwindInfoAddress, rule)
	}
	return w.Flush()
}

func cliLogger() log.Logger {
	level := log.LevelError
	if verbose {
		level = log.LevelDebug
	}
	return log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(level))
}

func imageOptions() *winunwind.ImageOptions {
	return &winunwind.ImageOptions{Logger: cliLogger()}
}

func dump(cmd *cobra.Command, args []string) {
	for _, filename := range args {
		if err := dumpImage(filename); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func main() {

	var rootCmd = &cobra.Command{
		Use:   "sehdump",
		Short: "A Windows SEH unwind metadata inspector",
		Long: "Dumps the stack unwind rules synthesized from the " +
			".pdata/.xdata exception tables of x64 Portable Executable files",
		Run: func(cmd *cobra.Command, args []string) {
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Long:  "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("You are using version 0.1.0")
		},
	}

	var dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Dump unwind rules",
		Long:  "Dumps one synthesized unwind rule per RUNTIME_FUNCTION entry",
		Args:  cobra.MinimumNArgs(1),
		Run:   dump,
	}

	// Init root command.
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)

	// Init flags.
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
