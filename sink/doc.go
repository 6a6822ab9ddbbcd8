// Package sink persists measurement results: histogram tables in the
// classic PicoHarp demo layout, FITS histogram images, and binary TTTR
// record files.  A Recorder names output files in dated folders.
package sink
