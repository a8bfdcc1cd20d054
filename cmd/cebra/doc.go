/*
cebra computes derived layers, dense membrane predictions and oversegmentations, over very
large multi-resolution 3d image volumes.  Every layer is split into blocks that are
computed independently by workers an external scheduler starts, in any order and on any
host that can reach the stores.

Each block reads its dependencies at the layer's resolution, optionally restricted to the
active labels of a mask, computes on the halo-padded region, and writes the halo-free
result into the layer's pyramid.  Label layers draw globally unique IDs from the store's
max-ID counter, and every coarser pyramid level is re-derived from the block's write, so
blocks never need to know about each other.

Commands

In the following documentation, the type of brackets designate
<required parameter> and [optional parameter].

	cebra about

Prints the version and the compiled-in storage engines.

	cebra init <config.toml> [dataset ...]

Creates the output pyramid of each named dataset, or of all configured datasets, sized to
cover the raw data.  Running init again with an unchanged configuration is harmless.

	cebra run <config.toml> <dataset> <index | first-last>

Computes one block or an inclusive range of blocks.  A completed block leaves an empty
marker <markers>/<dataset>/<index>.done; a failed block leaves none and is not retried.

	cebra serve <config.toml>

Runs blocks on request over HTTP:

	POST /api/run/<dataset>/<index>
	GET  /api/status/<dataset>/<index>
	GET  /api/about

If [server] jwt_secret is set, requests need an HS256 bearer token, which

	cebra token <config.toml> <user>

prints.

Stores

Dataset paths are store references: a plain path or file:// for a local directory,
badger:// for a single-host badger database, gs:// for a Google Cloud Storage bucket and
mem:// for tests.  Unique label allocation needs store locks, which gs:// lacks.
*/
package main
