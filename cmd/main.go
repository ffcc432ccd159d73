package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vaguilera/minitorrent/bencode"
	"github.com/vaguilera/minitorrent/torrentfile"
	"github.com/vaguilera/minitorrent/torrentp2p"
)

func printHelp() {
	fmt.Printf("MiniTorrent V2.0\nUsage:\n" +
		"\tminitorrent info <torrentfile>\n" +
		"\tminitorrent verify [-dir=<dir>] [-block=<size>] <torrentfile>\n" +
		"\tminitorrent create [-piece=<size>] [-announce=<url,...>] [-comment=<text>] [-private] -o=<out> <path>\n")
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Ignoring %s=%q", key, v)
	}
	return def
}

func main() {

	log.SetFlags(0)

	debug, _ := strconv.ParseBool(os.Getenv("MINITORRENT_DEBUG"))
	torrentp2p.SetDebug(debug)

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "create":
		err = runCreate(os.Args[2:])
	case "-h", "-help", "--help", "help":
		printHelp()
		return
	default:
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("Error: %s", err)
	}
}

func runInfo(args []string) error {
	fset := flag.NewFlagSet("info", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() != 1 {
		printHelp()
		os.Exit(2)
	}

	raw, err := os.ReadFile(fset.Arg(0))
	if err != nil {
		return err
	}
	root, err := bencode.DecodeBytes(raw)
	if err != nil {
		return err
	}
	if dict, ok := root.AsDict(); ok {
		log.Printf("Keys: %s\n", strings.Join(dict.Keys(), ", "))
	}

	torrentFile, err := torrentfile.TorrentFromBytes(raw)
	if err != nil {
		return err
	}
	torrentFile.PrintInfo()
	return nil
}

func runVerify(args []string) error {
	fset := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := fset.String("dir", ".", "Directory holding the downloaded files")
	block := fset.Int("block", envInt("MINITORRENT_BLOCK_SIZE", torrentp2p.BlockSize), "Block size used to feed pieces")
	fset.Parse(args)
	if fset.NArg() != 1 {
		printHelp()
		os.Exit(2)
	}
	if *block <= 0 {
		return fmt.Errorf("invalid block size %d", *block)
	}

	torrentFile, err := torrentfile.TorrentFromFile(fset.Arg(0))
	if err != nil {
		return err
	}
	store, err := torrentp2p.OpenFileStore(*dir, torrentFile)
	if err != nil {
		return err
	}
	defer store.Close()

	bad := verify(torrentFile, store, *block, time.Now().UnixNano())
	total := torrentFile.NumPieces()
	log.Printf("%d/%d pieces valid\n", total-len(bad), total)
	if len(bad) > 0 {
		return fmt.Errorf("%d corrupt or missing pieces: %v", len(bad), bad)
	}
	return nil
}

func runCreate(args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	piece := fset.Int("piece", torrentfile.DefaultPieceLength, "Piece length in bytes")
	announce := fset.String("announce", "", "Comma separated tracker URLs")
	comment := fset.String("comment", "", "Free text comment")
	private := fset.Bool("private", false, "Set the private flag")
	out := fset.String("o", "", "Output .torrent file")
	fset.Parse(args)
	if fset.NArg() != 1 || *out == "" {
		printHelp()
		os.Exit(2)
	}

	opts := torrentfile.BuildOptions{
		PieceLength:  *piece,
		Comment:      *comment,
		CreatedBy:    "MiniTorrent",
		CreationDate: time.Now(),
		Private:      *private,
	}
	for _, a := range strings.Split(*announce, ",") {
		if a = strings.TrimSpace(a); a != "" {
			opts.Announce = append(opts.Announce, a)
		}
	}

	raw, err := torrentfile.Build(fset.Arg(0), opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, raw, 0644); err != nil {
		return err
	}
	torrentFile, err := torrentfile.TorrentFromBytes(raw)
	if err != nil {
		return err
	}
	log.Printf("Created %s\n", *out)
	torrentFile.PrintInfo()
	return nil
}
