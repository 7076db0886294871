// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package mediaprobe inspects MP4 files produced by the camera pipeline.
// It reports track layout, codecs, duration, and sample counts for both
// progressive and fragmented files, and flags decode-time regressions
// across fragment boundaries. The results feed file_meta payloads and
// the camsync validation pass.
package mediaprobe

import (
	"fmt"
	"io"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/Eyevinn/mp4ff/mp4"
)

// Track kinds, derived from the track handler type.
const (
	KindVideo = "video"
	KindAudio = "audio"
	KindText  = "text"
)

// Track describes one track of a probed file.
type Track struct {
	ID         uint32
	Kind       string
	Codec      string
	Timescale  uint32
	Duration   time.Duration
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// DTSDecrease records a backward jump of the decode time between two
// consecutive fragments of the same track.
type DTSDecrease struct {
	TrackID uint32
	Before  uint64 // end of the preceding fragment, media timescale
	After   uint64 // baseMediaDecodeTime of the offending fragment
}

// Info is the result of probing one file.
type Info struct {
	Fragmented   bool
	Duration     time.Duration
	SampleCount  int
	Tracks       []Track
	UnorderedDTS *DTSDecrease // earliest decode-time decrease, nil if none
}

// Probe reads a complete MP4 file from r and inspects it.
func Probe(r io.Reader) (Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read media: %w", err)
	}
	return ProbeBytes(data)
}

// ProbeBytes inspects a complete MP4 file held in memory.
func ProbeBytes(data []byte) (Info, error) {
	sr := bits.NewFixedSliceReader(data)
	f, err := mp4.DecodeFileSR(sr)
	if err != nil {
		return Info{}, fmt.Errorf("decode mp4: %w", err)
	}
	moov := f.Moov
	if moov == nil && f.Init != nil {
		moov = f.Init.Moov
	}
	if moov == nil {
		return Info{}, fmt.Errorf("no moov box found")
	}

	var info Info
	for _, trak := range moov.Traks {
		info.Tracks = append(info.Tracks, trackInfo(trak))
	}

	if len(f.Segments) > 0 {
		info.Fragmented = true
		probeFragments(f, moov, &info)
	} else {
		probeProgressive(moov, &info)
	}
	return info, nil
}

// trackState accumulates fragment data for one track while walking a
// fragmented file in order.
type trackState struct {
	idx     int // index into Info.Tracks
	defDur  uint32
	end     uint64
	dur     uint64
	started bool
}

func probeFragments(f *mp4.File, moov *mp4.MoovBox, info *Info) {
	states := make(map[uint32]*trackState, len(info.Tracks))
	for i := range info.Tracks {
		states[info.Tracks[i].ID] = &trackState{idx: i}
	}
	if moov.Mvex != nil {
		for _, trex := range moov.Mvex.Trexs {
			if st, ok := states[trex.TrackID]; ok {
				st.defDur = trex.DefaultSampleDuration
			}
		}
	}

	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			for _, traf := range frag.Moof.Trafs {
				tfhd := traf.Tfhd
				st, ok := states[tfhd.TrackID]
				if !ok {
					st = &trackState{idx: -1}
					states[tfhd.TrackID] = st
				}
				dts := st.end
				if traf.Tfdt != nil {
					dts = traf.Tfdt.BaseMediaDecodeTime()
				}
				if st.started && dts < st.end && info.UnorderedDTS == nil {
					info.UnorderedDTS = &DTSDecrease{
						TrackID: tfhd.TrackID,
						Before:  st.end,
						After:   dts,
					}
				}
				defDur := st.defDur
				if tfhd.HasDefaultSampleDuration() {
					defDur = tfhd.DefaultSampleDuration
				}
				var fragDur uint64
				for _, trun := range traf.Truns {
					fragDur += trun.Duration(defDur)
					info.SampleCount += int(trun.SampleCount())
				}
				st.end = dts + fragDur
				st.dur += fragDur
				st.started = true
			}
		}
	}

	for _, st := range states {
		if st.idx < 0 {
			continue
		}
		tr := &info.Tracks[st.idx]
		if tr.Timescale > 0 {
			tr.Duration = mediaDuration(st.dur, tr.Timescale)
		}
		if tr.Duration > info.Duration {
			info.Duration = tr.Duration
		}
	}
}

func probeProgressive(moov *mp4.MoovBox, info *Info) {
	if moov.Mvhd != nil && moov.Mvhd.Timescale > 0 {
		info.Duration = mediaDuration(moov.Mvhd.Duration, moov.Mvhd.Timescale)
	}
	for i, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil {
			continue
		}
		stts := trak.Mdia.Minf.Stbl.Stts
		if stts == nil {
			continue
		}
		var n int
		for _, c := range stts.SampleCount {
			n += int(c)
		}
		info.SampleCount += n
		if info.Tracks[i].Duration > info.Duration {
			info.Duration = info.Tracks[i].Duration
		}
	}
}

func trackInfo(trak *mp4.TrakBox) Track {
	var tr Track
	if trak.Tkhd != nil {
		tr.ID = trak.Tkhd.TrackID
	}
	mdia := trak.Mdia
	if mdia == nil {
		return tr
	}
	if mdia.Mdhd != nil {
		tr.Timescale = mdia.Mdhd.Timescale
		if mdia.Mdhd.Duration > 0 && tr.Timescale > 0 {
			tr.Duration = mediaDuration(mdia.Mdhd.Duration, tr.Timescale)
		}
	}
	if mdia.Hdlr != nil {
		tr.Kind = kindFromHandler(mdia.Hdlr.HandlerType)
	}
	if mdia.Minf == nil || mdia.Minf.Stbl == nil || mdia.Minf.Stbl.Stsd == nil {
		return tr
	}
	stsd := mdia.Minf.Stbl.Stsd
	if len(stsd.Children) == 0 {
		return tr
	}
	switch box := stsd.Children[0].(type) {
	case *mp4.VisualSampleEntryBox:
		tr.Width = int(box.Width)
		tr.Height = int(box.Height)
		tr.Codec = videoCodec(stsd, box.Type())
	case *mp4.AudioSampleEntryBox:
		tr.Channels = int(box.ChannelCount)
		tr.SampleRate = int(box.SampleRate)
		tr.Codec = audioCodec(box)
	default:
		tr.Codec = stsd.Children[0].Type()
	}
	return tr
}

func videoCodec(stsd *mp4.StsdBox, sampleEntry string) string {
	switch sampleEntry {
	case "avc1", "avc3":
		if stsd.AvcX == nil || stsd.AvcX.AvcC == nil {
			return sampleEntry
		}
		decConfRec := stsd.AvcX.AvcC.DecConfRec
		if len(decConfRec.SPSnalus) == 0 {
			return sampleEntry
		}
		sps, err := avc.ParseSPSNALUnit(decConfRec.SPSnalus[0], true)
		if err != nil {
			return sampleEntry
		}
		return avc.CodecString(sampleEntry, sps)
	case "hvc1", "hev1":
		if stsd.HvcX == nil || stsd.HvcX.HvcC == nil {
			return sampleEntry
		}
		decConfRec := stsd.HvcX.HvcC.DecConfRec
		nalus := decConfRec.GetNalusForType(hevc.NALU_SPS)
		if len(nalus) == 0 {
			return sampleEntry
		}
		sps, err := hevc.ParseSPSNALUnit(nalus[0])
		if err != nil {
			return sampleEntry
		}
		return hevc.CodecString(sampleEntry, sps)
	}
	return sampleEntry
}

// audioCodec uses sample rate heuristics to tell AAC-LC from HE-AAC.
func audioCodec(ase *mp4.AudioSampleEntryBox) string {
	switch ase.Type() {
	case "mp4a":
		codec := "mp4a.40.2"
		if int(ase.SampleRate) == 24000 {
			codec = "mp4a.40.5"
			if ase.ChannelCount == 1 {
				codec = "mp4a.40.29"
			}
		}
		return codec
	}
	return ase.Type()
}

func kindFromHandler(handlerType string) string {
	switch handlerType {
	case "vide":
		return KindVideo
	case "soun":
		return KindAudio
	case "subt", "text", "sbtl":
		return KindText
	}
	return handlerType
}

func mediaDuration(units uint64, timescale uint32) time.Duration {
	return time.Duration(units) * time.Second / time.Duration(timescale)
}
