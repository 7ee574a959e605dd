// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("imageassemblerschemacli", "Generates the JSON schema of the image assembler config")

	outputFile = app.Flag("output-file", "Path to write the schema to (stdout when omitted).").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&imageassemblerapi.Config{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal schema:\n%v", err)
	}
	data = append(data, '\n')

	if *outputFile != "" {
		err = os.WriteFile(*outputFile, data, 0o644)
		if err != nil {
			log.Fatalf("failed to write schema file:\n%v", err)
		}
		return
	}

	_, err = os.Stdout.Write(data)
	if err != nil {
		log.Fatalf("failed to write schema:\n%v", err)
	}
}
