/*
Package splice relays discrete media segments through one continuous
output by mutating a running graph.

Concept

A merge stage joins N branches. Each branch is a reader and a demuxer
feeding one request port of the merge:

    reader0 -> demux0 -\
                        merge -> parser -> muxer -> sink
    reader1 -> demux1 -/

When a branch's source is exhausted, its end of stream is dropped before
it reaches the merge and the branch is rebuilt in place: the exhausted
pair is torn down and a fresh pair reading the same input is linked to a
newly requested merge port. The graph keeps playing all the time.

The relay-stop flag tells "this branch ended" apart from "the relay is
stopping". Once the flag is raised, end of stream is passed through and
the output is closed when every branch is done.

Execution

Interceptors run on the goroutines that push data, so they never change
the graph. Structural changes are executed by the Mutator, every task in
its own goroutine. Lifecycle messages of the graph are consumed by the
monitor, which drives the graph to Null on end of stream or error.
*/
package splice
