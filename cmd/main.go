// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"github.com/spf13/cobra"

	"github.com/akuzo/cacsi/cmd/authority"
	"github.com/akuzo/cacsi/cmd/driver"
	"github.com/akuzo/cacsi/pkg/about"
	"github.com/akuzo/cacsi/pkg/dev"
)

func main() {
	buildInfo := about.GetBuildInfo()

	rootCmd := &cobra.Command{
		Use:          "cacsi",
		Short:        "Pod-scoped certificate CSI driver and signing authority (cacsi)",
		Version:      buildInfo.VersionString(),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(authority.Cmd, driver.Cmd)

	// development mode is only available as a command line flag to avoid accidentally enabling it
	rootCmd.PersistentFlags().BoolVar(&dev.Enabled, "development", false, "turns on development mode")
	_ = rootCmd.PersistentFlags().MarkHidden("development")

	_ = rootCmd.Execute()
}
