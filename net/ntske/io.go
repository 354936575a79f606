/*
Copyright 2018--2019 Michael Cardell Widerkrantz, Martin Samuelsson,
Daniel Lublin

Permission to use, copy, modify, and/or distribute this software for
any purpose with or without fee is hereby granted, provided that the
above copyright notice and this permission notice appear in all
copies.

THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL
DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR
PROFITS, WHETHER IN AN ACTION OF CONTRACT, NEGLIGENCE OR OTHER
TORTIOUS ACTION, ARISING OUT OF OR IN CONNECTION WITH THE USE OR
PERFORMANCE OF THIS SOFTWARE.
*/

package ntske

import (
	"errors"
	"fmt"
	"io"

	"github.com/thekuwayama/cfnts/internal/ntserr"
)

// maxRequestBytes caps the total size of one record stream readRecords
// will buffer before giving up. A peer that never sends EndOfMessage
// (or strings along TooShort-inducing records forever) is refused
// rather than allowed to grow buf without bound.
const maxRequestBytes = 8 << 10

// readRecords reads records from r, growing buf as Deserialize's
// TooShort hints demand, and invokes onRecord for each recognized
// record. onRecord returns done=true to stop reading (e.g. on
// EndOfMessage). Unknown non-critical records are silently skipped.
//
// buf holds everything read so far; consumed marks how much of it has
// been turned into records; readPtr marks how much has been filled by
// Read. This mirrors the historical cfnts client's read loop: one Read
// call per iteration, then parse as many complete records as the
// buffered data allows before reading more.
func readRecords(r io.Reader, onRecord func(Record) (done bool, err error)) error {
	buf := make([]byte, 4)
	consumed := 0
	readPtr := 0

	for {
		if len(buf) > maxRequestBytes {
			return fmt.Errorf("ntske: record stream exceeds %d bytes: %w", maxRequestBytes, ntserr.Malformed)
		}

		n, err := r.Read(buf[readPtr:])
		readPtr += n
		if err != nil && n == 0 {
			return fmt.Errorf("ntske: reading record stream: %w", err)
		}

		for {
			rec, n, derr := Deserialize(buf[consumed:readPtr])
			if derr != nil {
				var tooShort *TooShort
				if errors.As(derr, &tooShort) {
					if len(buf)+tooShort.N > maxRequestBytes {
						return fmt.Errorf("ntske: record stream exceeds %d bytes: %w", maxRequestBytes, ntserr.Malformed)
					}
					buf = append(buf, make([]byte, tooShort.N)...)
					break
				}
				return derr
			}

			consumed += n
			if rec == nil {
				continue
			}
			done, herr := onRecord(*rec)
			if herr != nil {
				return herr
			}
			if done {
				return nil
			}
		}
	}
}
