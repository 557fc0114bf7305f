// Command elfentry patches the entry address of a root server ELF image
// and verifies the instruction at the new entry point actually decodes,
// so a bad <addr> argument can never silently produce an unbootable image.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"

	"golang.org/x/arch/x86/x86asm"
)

func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr> and verify it decodes\n", me)
	os.Exit(1)
}

func chkELF(eh *elf.FileHeader) {
	if eh.Ident[0] != 0x7f || string(eh.Ident[1:4]) != "ELF" {
		log.Fatal("not an elf")
	}
	if eh.Ident[elf.EI_DATA] != elf.ELFDATA2LSB {
		log.Fatal("not little-endian?")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != elf.EM_X86_64 {
		log.Fatal("not a 64 bit elf")
	}
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr>>32 != 0 {
		log.Fatal("entry is 64bit pointer; bootloader will perish")
	}

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)

	if err := verifyEntryDecodes(ef, addr); err != nil {
		log.Fatalf("entry 0x%x does not decode as valid x86-64: %v", addr, err)
	}

	fmt.Printf("using address 0x%x\n", addr)
	ef.FileHeader.Entry = addr

	if _, err := f.Seek(0, 0); err != nil {
		log.Fatal(err)
	}
	if err := binary.Write(f, binary.LittleEndian, &ef.FileHeader); err != nil {
		log.Fatal(err)
	}
}

// verifyEntryDecodes finds the section containing addr and confirms the
// bytes there decode as at least one valid x86-64 instruction, catching
// the case where <addr> points into the middle of data or past the end
// of the text section.
func verifyEntryDecodes(ef *elf.File, addr uint64) error {
	for _, sec := range ef.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		if addr < sec.Addr || addr >= sec.Addr+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("read section %s: %w", sec.Name, err)
		}
		off := addr - sec.Addr
		inst, err := x86asm.Decode(data[off:], 64)
		if err != nil {
			return fmt.Errorf("decode at offset %#x in %s: %w", off, sec.Name, err)
		}
		if inst.Len == 0 {
			return fmt.Errorf("zero-length instruction at entry")
		}
		return nil
	}
	return fmt.Errorf("address not within any executable section")
}

func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
