// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	benchWrite = "write"
	benchRead  = "read"
)

func newBenchCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "bench",
		Short: "Raw disk throughput test",
		Long: `Stream the data buffer to (write) or from (read) consecutive blocks of the
namespace, one buffer sized command at a time, paced to --rate and reporting
progress once per second. Writes stamp the block number into the first 4 bytes
of the buffer.`,
		DisableAutoGenTag: true,
	}
	cmd.PersistentFlags().Uint64("total", 1<<30, "bytes to transfer")
	viper.BindPFlag("bench.total", cmd.PersistentFlags().Lookup("total"))

	cmd.PersistentFlags().Float64("rate", 4000, "target rate in MB/s, 0 for unlimited")
	viper.BindPFlag("bench.rate", cmd.PersistentFlags().Lookup("rate"))

	cmd.PersistentFlags().Uint64("lba", 0, "first logical block")
	viper.BindPFlag("bench.lba", cmd.PersistentFlags().Lookup("lba"))

	cmd.PersistentFlags().Bool("trim-first", false, "deallocate the target range before writing")
	viper.BindPFlag("bench.trim-first", cmd.PersistentFlags().Lookup("trim-first"))

	cmd.AddCommand(newBenchDirCmd(benchWrite), newBenchDirCmd(benchRead))
	return cmd
}

func newBenchDirCmd(direction string) *cobra.Command {
	return &cobra.Command{
		Use:               direction,
		Short:             fmt.Sprintf("Raw disk %s test", direction),
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return benchCmdFunc(direction)
		},
	}
}

type benchOutput struct {
	Direction string  `json:"direction"`
	Blocks    uint64  `json:"blocks"`
	BlockSize int     `json:"blockSize"`
	Bytes     uint64  `json:"bytes"`
	Seconds   float64 `json:"seconds"`
	MBps      float64 `json:"mbps"`
}

func benchCmdFunc(direction string) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(context.Background(), appConfig)
	if err != nil {
		return err
	}
	defer s.Close()

	sectorSize, err := s.disk.SectorSize()
	if err != nil {
		return err
	}
	sectors, err := s.disk.SectorCount()
	if err != nil {
		return err
	}
	buf := s.buffer
	lbaPerBlock := uint64(buf.Len()) / uint64(sectorSize)
	if lbaPerBlock == 0 {
		return fmt.Errorf("data buffer of %d bytes is smaller than a %d byte sector", buf.Len(), sectorSize)
	}
	buf = buf.Slice(0, int(lbaPerBlock)*int(sectorSize))
	blocks := viper.GetUint64("bench.total") / uint64(buf.Len())
	lba := viper.GetUint64("bench.lba")
	if lba+blocks*lbaPerBlock > sectors {
		return fmt.Errorf("%d blocks of %d sectors from lba %d run past the namespace end %d", blocks, lbaPerBlock, lba, sectors)
	}

	if direction == benchWrite && viper.GetBool("bench.trim-first") {
		for done := uint64(0); done < blocks*lbaPerBlock; done += trimChunk {
			n := min(blocks*lbaPerBlock-done, trimChunk)
			if err := s.disk.Trim(lba+done, uint32(n)); err != nil {
				return err
			}
		}
	}

	var perBlock time.Duration
	if rate := viper.GetFloat64("bench.rate"); rate > 0 {
		perBlock = time.Duration(float64(buf.Len()) / (rate * 1e6) * float64(time.Second))
	}
	log := logrus.WithFields(logrus.Fields{"ctrl": s.ctrl.ID(), "bench": direction})
	log.Infof("%d blocks of %d bytes from lba %d, slip %t", blocks, buf.Len(), lba, buf.Phys() > appConfig.Disk.SlipThreshold)
	log.Infof("Time [s], Rate [MB/s], Total [GB]")

	start := time.Now()
	next := start
	reported := 0
	var reportedBlocks uint64
	for i := uint64(0); i < blocks; i++ {
		if perBlock > 0 {
			if wait := time.Until(next); wait > 0 {
				time.Sleep(wait)
			}
			next = next.Add(perBlock)
		}
		if elapsed := int(time.Since(start).Seconds()); elapsed > reported {
			reported = elapsed
			log.Infof("%8d,%12.3f,%11.3f", elapsed,
				float64((i-reportedBlocks)*uint64(buf.Len()))*1e-6,
				float64(i*uint64(buf.Len()))*1e-9)
			reportedBlocks = i
		}
		if err := benchBlock(s, direction, buf, i, lba+i*lbaPerBlock, uint32(lbaPerBlock)); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	if direction == benchWrite {
		if err := s.disk.Sync(); err != nil {
			return err
		}
	}
	elapsed := time.Since(start).Seconds()
	out := &benchOutput{
		Direction: direction,
		Blocks:    blocks,
		BlockSize: buf.Len(),
		Bytes:     blocks * uint64(buf.Len()),
		Seconds:   elapsed,
	}
	if elapsed > 0 {
		out.MBps = float64(out.Bytes) * 1e-6 / elapsed
	}
	return print(out, formatFromFlags())
}

func benchBlock(s *session, direction string, buf dma.Region, i uint64, lba uint64, count uint32) error {
	if direction == benchRead {
		return s.disk.Read(buf, lba, count)
	}
	binary.LittleEndian.PutUint32(buf.Bytes(), uint32(i))
	return s.disk.Write(buf, lba, count)
}
