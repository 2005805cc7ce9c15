// Command gensecret prints a random key for signing demo backend tokens.
//
//	gensecret --env >> .env
package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

const defaultKeyLen = 32

// HS256 keys shorter than the hash output weaken the MAC
const minKeyLen = 32

func main() {
	if err := run(os.Stdout, rand.Reader, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, random io.Reader, args []string) error {
	fs := pflag.NewFlagSet("gensecret", pflag.ContinueOnError)
	length := fs.IntP("bytes", "b", defaultKeyLen, "Key length in bytes")
	asEnv := fs.Bool("env", false, "Print as SECRET_KEY=... line for a .env file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *length < minKeyLen {
		return fmt.Errorf("key must be at least %d bytes", minKeyLen)
	}

	b := make([]byte, *length)
	if _, err := io.ReadFull(random, b); err != nil {
		return errors.Join(errors.New("random source failed"), err)
	}

	key := hex.EncodeToString(b)
	if *asEnv {
		key = "SECRET_KEY=" + key
	}

	_, err := fmt.Fprintln(out, key)
	return err
}
