// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package main

import (
	"context"
	"log"
	"os"

	"github.com/substrate-os/image-assembly-tools/internal/exe"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
	"github.com/substrate-os/image-assembly-tools/pkg/imageassemblerlib"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("imageassembler", "Assembles a verified OS disk image into packaged artifacts")

	buildDir   = app.Flag("build-dir", "Directory to run the build out of.").Required().String()
	configFile = app.Flag("config-file", "Path of the assembly configuration file.").Required().String()
	logFlags   = exe.SetupLogFlags(app)
)

func main() {
	app.Version(imageassemblerlib.ToolVersion)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger.InitBestEffort(logFlags)

	err := imageassemblerlib.AssembleImageWithConfigFile(context.Background(), *buildDir, *configFile)
	if err != nil {
		log.Fatalf("image assembly failed:\n%v", err)
	}
}
