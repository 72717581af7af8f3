// Package domain models Sentinel-5P TROPOMI Level 3 pollutant swaths and the
// daily composites, frames and animations derived from them.
//
// # Data Source
//
// Swaths come from the offline (OFFL) Level 3 collections of the Copernicus
// Sentinel-5P mission, one collection per pollutant:
//
//	SO2: COPERNICUS/S5P/OFFL/L3_SO2, band SO2_column_number_density
//	NO2: COPERNICUS/S5P/OFFL/L3_NO2, band tropospheric_NO2_column_number_density
//
// Column densities are in mol/m². Each swath carries the property
// TIME_REFERENCE_DAYS_SINCE_1950, the integer day count since 1950-01-01 UTC
// used as the join key when grouping swaths by day (see [DayIndex]).
//
// # Daily Composite
//
// A day typically holds 14-15 orbital passes that overlap near the poles and
// leave gaps near the equator. The composite is the pixel-wise mean over the
// passes that observed a pixel; a pixel no pass observed stays no-data (NaN)
// instead of being averaged in as zero. See [Reduce].
//
// # Clip Ranges
//
// Concentrations span several orders of magnitude, so each pollutant has a
// fixed visual range and values outside it saturate:
//
//	SO2: [0, 0.001]  mol/m²
//	NO2: [0, 0.0001] mol/m²
//
// The same range and colour map apply to every frame of a run, which keeps
// frames visually comparable.
//
// # Naming
//
// Frames are named by ISO date ("2020-01-02.png"). The animation is named
// from the requested range ("2020-01-01_2020-01-03.gif") so the name stays
// stable when interior dates are skipped.
package domain
