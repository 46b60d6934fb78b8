/*
Package decode streams captured logic signals through a protocol decoder
engine and collects decoded annotations.

Concept

A Signal owns a stack of decoders and a table of decoder channels assigned
to acquisition signals. Decoding runs in two goroutines:

    mux - packs the assigned signals into one multi-bit sample stream;
    decode - feeds the muxed stream to an engine session in chunks.

Both follow the acquisition while it grows. Annotations are stored per row
and per acquisition segment and can be queried at any time:

    sig, err := decode.New(probe.New(), decode.Capture(session))
    session.AddListener(sig)
    stage, err := sig.StackDecoder("pulses")
    ...
    for _, row := range sig.VisibleRows() {
        annotations := sig.AnnotationSubset(row, 0, 0, sig.DecodedSampleCount(0, false))
    }

Every configuration change stops the workers, discards decoded data and
starts decoding again from the first sample with a new engine session.

Progress

Two counters are kept per segment. Samples below DecodedSampleCount(id,
false) were processed by the engine and all annotations it emitted for
them are stored. DecodedSampleCount(id, true) also counts the chunk
currently processed by the engine.
*/
package decode
